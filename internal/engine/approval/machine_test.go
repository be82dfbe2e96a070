package approval

import "testing"

func TestNextLegalTransitions(t *testing.T) {
	creator := Actor{ID: "alice", Role: RoleSubmitter}
	admin := Actor{ID: "bob", Role: RoleAdmin}
	super := Actor{ID: "carol", Role: RoleSuperAdmin}
	cases := []struct {
		from  State
		trig  Trigger
		actor Actor
		want  State
	}{
		{Draft, TriggerSubmit, creator, Submitted},
		{Submitted, TriggerAnalysisStart, SystemActor, AIAnalyzing},
		{AIAnalyzing, TriggerAnalysisPass, AIActor, AdminReviewing},
		{AIAnalyzing, TriggerAnalysisReject, AIActor, AIRejected},
		{AIRejected, TriggerForceSubmit, creator, AdminReviewing},
		{AIRejected, TriggerResubmit, creator, AIAnalyzing},
		{AdminReviewing, TriggerAdminApprove, admin, AdminApproved},
		{AdminReviewing, TriggerAdminReject, admin, AdminRejected},
		{AdminApproved, TriggerEscalate, SystemActor, SuperAdminReviewing},
		{SuperAdminReviewing, TriggerSuperApprove, super, FinalApproved},
		{SuperAdminReviewing, TriggerSuperReject, super, SuperAdminRejected},
		{AdminRejected, TriggerReopen, creator, Draft},
		{SuperAdminRejected, TriggerReopen, creator, Draft},
	}
	m := Machine{RequireSuperAdmin: true}
	for _, tc := range cases {
		got, err := m.Next(tc.from, tc.trig, tc.actor, "alice")
		if err != nil {
			t.Fatalf("%s from %s: %v", tc.trig, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s from %s: got %s want %s", tc.trig, tc.from, got, tc.want)
		}
	}
}

func TestNextRefusals(t *testing.T) {
	creator := Actor{ID: "alice", Role: RoleSubmitter}
	m := Machine{RequireSuperAdmin: true}
	cases := []struct {
		name  string
		from  State
		trig  Trigger
		actor Actor
		kind  ErrorKind
	}{
		{"submit from review", AdminReviewing, TriggerSubmit, creator, InvalidTransition},
		{"ai cannot touch human state", AdminApproved, TriggerAnalysisPass, AIActor, InvalidTransition},
		{"ai cannot reject after super review", SuperAdminReviewing, TriggerAnalysisReject, AIActor, InvalidTransition},
		{"submitter cannot approve", AdminReviewing, TriggerAdminApprove, creator, Unauthorized},
		{"admin cannot super approve", SuperAdminReviewing, TriggerSuperApprove, Actor{ID: "bob", Role: RoleAdmin}, Unauthorized},
		{"force submit by other submitter", AIRejected, TriggerForceSubmit, Actor{ID: "mallory", Role: RoleSubmitter}, Unauthorized},
		{"final is terminal", FinalApproved, TriggerReopen, creator, AlreadyTerminal},
		{"finalize when super admin required", AdminApproved, TriggerFinalize, SystemActor, InvalidTransition},
		{"unknown trigger", Draft, Trigger("launch_rockets"), creator, InvalidTransition},
	}
	for _, tc := range cases {
		_, err := m.Next(tc.from, tc.trig, tc.actor, "alice")
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !IsKind(err, tc.kind) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestEveryTriggerIsTotal(t *testing.T) {
	m := Machine{}
	actors := []Actor{AIActor, SystemActor, {ID: "alice", Role: RoleSubmitter}, {ID: "bob", Role: RoleAdmin}, {ID: "carol", Role: RoleSuperAdmin}}
	for _, from := range States {
		for trig := range edges {
			for _, a := range actors {
				to, err := m.Next(from, trig, a, "alice")
				if err == nil {
					if !to.Valid() {
						t.Fatalf("%s from %s produced invalid state %q", trig, from, to)
					}
					continue
				}
				if !IsKind(err, InvalidTransition) && !IsKind(err, Unauthorized) && !IsKind(err, AlreadyTerminal) {
					t.Fatalf("%s from %s: unnamed refusal %v", trig, from, err)
				}
			}
		}
	}
}

func TestAIOnlyFromAIStates(t *testing.T) {
	m := Machine{RequireSuperAdmin: true}
	for _, from := range States {
		if !from.HumanOnly() {
			continue
		}
		for _, trig := range []Trigger{TriggerAnalysisPass, TriggerAnalysisReject} {
			if _, err := m.Next(from, trig, AIActor, ""); err == nil {
				t.Fatalf("ai trigger %s accepted from human state %s", trig, from)
			}
		}
	}
}

func TestPlanRejectionReason(t *testing.T) {
	m := Machine{RequireSuperAdmin: true}
	admin := Actor{ID: "bob", Role: RoleAdmin}

	eff, err := m.Plan(AdminReviewing, TriggerAdminReject, admin, "alice", "incomplete budget")
	if err != nil {
		t.Fatal(err)
	}
	if eff.RejectionReason == nil || *eff.RejectionReason != "incomplete budget" {
		t.Fatalf("expected reason set, got %v", eff.RejectionReason)
	}
	if eff.Stage != StageAdmin {
		t.Fatalf("expected admin stage, got %q", eff.Stage)
	}

	eff, err = m.Plan(AdminReviewing, TriggerAdminReject, admin, "alice", "   ")
	if err != nil {
		t.Fatal(err)
	}
	if eff.RejectionReason == nil || *eff.RejectionReason == "" {
		t.Fatalf("blank comment must fall back to a default reason")
	}

	eff, err = m.Plan(AIRejected, TriggerForceSubmit, Actor{ID: "alice", Role: RoleSubmitter}, "alice", "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if eff.RejectionReason != nil {
		t.Fatalf("leaving a rejected state must clear the reason")
	}

	eff, err = m.Plan(AdminReviewing, TriggerAdminApprove, Actor{ID: "dave", Role: RoleManager}, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if eff.Stage != StageManager {
		t.Fatalf("expected manager stage, got %q", eff.Stage)
	}
}

func TestAfterAdminApproval(t *testing.T) {
	if (Machine{RequireSuperAdmin: true}).AfterAdminApproval() != TriggerEscalate {
		t.Fatalf("expected escalate")
	}
	m := Machine{}
	if m.AfterAdminApproval() != TriggerFinalize {
		t.Fatalf("expected finalize")
	}
	to, err := m.Next(AdminApproved, TriggerFinalize, SystemActor, "")
	if err != nil || to != FinalApproved {
		t.Fatalf("finalize: %v %s", err, to)
	}
}
