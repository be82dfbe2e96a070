package approval

import (
	"fmt"
	"strings"
)

// Stage names the human review slot a transition records its reviewer in.
type Stage string

const (
	StageNone       Stage = ""
	StageManager    Stage = "manager"
	StageAdmin      Stage = "admin"
	StageSuperAdmin Stage = "super_admin"
)

type edge struct {
	from    []State
	to      State
	roles   []Role
	creator bool
}

var edges = map[Trigger]edge{
	TriggerSubmit:         {from: []State{Draft}, to: Submitted, roles: []Role{RoleSubmitter}, creator: true},
	TriggerAnalysisStart:  {from: []State{Submitted}, to: AIAnalyzing, roles: []Role{RoleSystem, RoleSubmitter}},
	TriggerResubmit:       {from: []State{AIRejected}, to: AIAnalyzing, roles: []Role{RoleSubmitter}, creator: true},
	TriggerAnalysisPass:   {from: []State{AIAnalyzing}, to: AdminReviewing, roles: []Role{RoleAI}},
	TriggerAnalysisReject: {from: []State{AIAnalyzing}, to: AIRejected, roles: []Role{RoleAI}},
	TriggerForceSubmit:    {from: []State{AIRejected}, to: AdminReviewing, roles: []Role{RoleSubmitter}, creator: true},
	TriggerAdminApprove:   {from: []State{AdminReviewing}, to: AdminApproved, roles: []Role{RoleAdmin, RoleManager}},
	TriggerAdminReject:    {from: []State{AdminReviewing}, to: AdminRejected, roles: []Role{RoleAdmin, RoleManager}},
	TriggerEscalate:       {from: []State{AdminApproved}, to: SuperAdminReviewing, roles: []Role{RoleSystem}},
	TriggerFinalize:       {from: []State{AdminApproved}, to: FinalApproved, roles: []Role{RoleSystem}},
	TriggerSuperApprove:   {from: []State{SuperAdminReviewing}, to: FinalApproved, roles: []Role{RoleSuperAdmin}},
	TriggerSuperReject:    {from: []State{SuperAdminReviewing}, to: SuperAdminRejected, roles: []Role{RoleSuperAdmin}},
	TriggerReopen:         {from: []State{AdminRejected, SuperAdminRejected}, to: Draft, roles: []Role{RoleSubmitter}, creator: true},
}

var defaultReasons = map[State]string{
	AIRejected:         "rejected by AI analysis",
	AdminRejected:      "rejected by admin review",
	SuperAdminRejected: "rejected by super admin review",
}

// Machine is the approval transition table. It holds no artifact state;
// callers pass the persisted status in and persist the result themselves.
type Machine struct {
	// RequireSuperAdmin routes admin approvals to SUPER_ADMIN_REVIEWING
	// instead of straight to FINAL_APPROVED.
	RequireSuperAdmin bool
}

// Effect is the full outcome of an accepted transition.
type Effect struct {
	From State
	To   State
	// RejectionReason is the new reason; nil means the column is cleared.
	RejectionReason *string
	// Stage is set for human review triggers.
	Stage Stage
}

// Next returns the state reached by applying trig from `from`.
func (m Machine) Next(from State, trig Trigger, actor Actor, creatorID string) (State, error) {
	refuse := func(kind ErrorKind, format string, args ...any) (State, error) {
		return "", &TransitionError{Kind: kind, From: from, Trigger: trig, Actor: actor, Reason: fmt.Sprintf(format, args...)}
	}
	if !from.Valid() {
		return refuse(InvalidTransition, "unknown state %q", from)
	}
	if from.Terminal() {
		return refuse(AlreadyTerminal, "artifact is %s", from)
	}
	e, ok := edges[trig]
	if !ok {
		return refuse(InvalidTransition, "unknown trigger")
	}
	if !hasState(e.from, from) {
		return refuse(InvalidTransition, "not allowed")
	}
	switch trig {
	case TriggerEscalate:
		if !m.RequireSuperAdmin {
			return refuse(InvalidTransition, "super admin stage disabled by policy")
		}
	case TriggerFinalize:
		if m.RequireSuperAdmin {
			return refuse(InvalidTransition, "super admin stage required by policy")
		}
	}
	if !hasRole(e.roles, actor.Role) {
		return refuse(Unauthorized, "role %q cannot %s", actor.Role, trig)
	}
	if e.creator && (actor.ID == "" || actor.ID != creatorID) {
		return refuse(Unauthorized, "only the creator may %s", trig)
	}
	return e.to, nil
}

// Plan runs Next and computes the side effects of the transition.
// An empty reason on a rejection falls back to a stage default so a
// REJECTED state never carries a blank reason.
func (m Machine) Plan(from State, trig Trigger, actor Actor, creatorID, reason string) (Effect, error) {
	to, err := m.Next(from, trig, actor, creatorID)
	if err != nil {
		return Effect{}, err
	}
	eff := Effect{From: from, To: to}
	if to.Rejected() {
		r := strings.TrimSpace(reason)
		if r == "" {
			r = defaultReasons[to]
		}
		eff.RejectionReason = &r
	}
	switch trig {
	case TriggerAdminApprove, TriggerAdminReject:
		eff.Stage = StageAdmin
		if actor.Role == RoleManager {
			eff.Stage = StageManager
		}
	case TriggerSuperApprove, TriggerSuperReject:
		eff.Stage = StageSuperAdmin
	}
	return eff, nil
}

// Sources returns the states trig may fire from.
func Sources(trig Trigger) []State {
	e, ok := edges[trig]
	if !ok {
		return nil
	}
	out := make([]State, len(e.from))
	copy(out, e.from)
	return out
}

// AfterAdminApproval is the automatic trigger that follows ADMIN_APPROVED.
func (m Machine) AfterAdminApproval() Trigger {
	if m.RequireSuperAdmin {
		return TriggerEscalate
	}
	return TriggerFinalize
}

// ReviewStage maps a reviewer role to the state it acts on.
func ReviewStage(role Role) (State, bool) {
	switch role {
	case RoleAdmin, RoleManager:
		return AdminReviewing, true
	case RoleSuperAdmin:
		return SuperAdminReviewing, true
	}
	return "", false
}

// ReviewTrigger picks the trigger for a reviewer decision at the given stage.
func ReviewTrigger(stage State, approve bool) (Trigger, bool) {
	switch stage {
	case AdminReviewing:
		if approve {
			return TriggerAdminApprove, true
		}
		return TriggerAdminReject, true
	case SuperAdminReviewing:
		if approve {
			return TriggerSuperApprove, true
		}
		return TriggerSuperReject, true
	}
	return "", false
}

func hasState(in []State, s State) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}

func hasRole(in []Role, r Role) bool {
	for _, v := range in {
		if v == r {
			return true
		}
	}
	return false
}

// Decided reports whether s is past the review stage, that is the stage's
// reviewer already took a decision.
func Decided(stage, s State) bool {
	switch stage {
	case AdminReviewing:
		switch s {
		case AdminApproved, AdminRejected, SuperAdminReviewing, SuperAdminRejected, FinalApproved:
			return true
		}
	case SuperAdminReviewing:
		return s == SuperAdminRejected || s == FinalApproved
	}
	return false
}
