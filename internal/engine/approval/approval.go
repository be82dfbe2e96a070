package approval

import (
	"errors"
	"fmt"
	"strings"
)

// State is the approval status of an artifact.
type State string

const (
	Draft               State = "DRAFT"
	Submitted           State = "SUBMITTED"
	AIAnalyzing         State = "AI_ANALYZING"
	AIRejected          State = "AI_REJECTED"
	AdminReviewing      State = "ADMIN_REVIEWING"
	AdminRejected       State = "ADMIN_REJECTED"
	AdminApproved       State = "ADMIN_APPROVED"
	SuperAdminReviewing State = "SUPER_ADMIN_REVIEWING"
	SuperAdminRejected  State = "SUPER_ADMIN_REJECTED"
	FinalApproved       State = "FINAL_APPROVED"
)

// States lists every legal state in pipeline order.
var States = []State{
	Draft, Submitted, AIAnalyzing, AIRejected, AdminReviewing, AdminRejected,
	AdminApproved, SuperAdminReviewing, SuperAdminRejected, FinalApproved,
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

// Rejected reports whether s is one of the REJECTED-family states.
func (s State) Rejected() bool {
	return s == AIRejected || s == AdminRejected || s == SuperAdminRejected
}

func (s State) Terminal() bool {
	return s == FinalApproved
}

// HumanOnly reports whether s can only be reached through a human decision.
// AI triggers are never legal from these states.
func (s State) HumanOnly() bool {
	switch s {
	case AdminApproved, AdminRejected, SuperAdminReviewing, SuperAdminRejected, FinalApproved:
		return true
	}
	return false
}

// Role is the capability an actor holds when requesting a transition.
type Role string

const (
	RoleSubmitter  Role = "submitter"
	RoleAI         Role = "ai"
	RoleSystem     Role = "system"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Roles that may be assigned to registered actors. ai and system are
// internal identities.
var AssignableRoles = []Role{RoleSubmitter, RoleManager, RoleAdmin, RoleSuperAdmin}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, ok := range AssignableRoles {
		if r == ok {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Actor identifies who requests a transition.
type Actor struct {
	ID   string
	Role Role
}

var (
	AIActor     = Actor{ID: "ai", Role: RoleAI}
	SystemActor = Actor{ID: "system", Role: RoleSystem}
)

// Trigger names the event that drives a transition.
type Trigger string

const (
	TriggerSubmit         Trigger = "submit"
	TriggerAnalysisStart  Trigger = "analysis_start"
	TriggerResubmit       Trigger = "resubmit"
	TriggerAnalysisPass   Trigger = "analysis_pass"
	TriggerAnalysisReject Trigger = "analysis_reject"
	TriggerForceSubmit    Trigger = "force_submit"
	TriggerAdminApprove   Trigger = "admin_approve"
	TriggerAdminReject    Trigger = "admin_reject"
	TriggerEscalate       Trigger = "escalate"
	TriggerFinalize       Trigger = "finalize"
	TriggerSuperApprove   Trigger = "super_approve"
	TriggerSuperReject    Trigger = "super_reject"
	TriggerReopen         Trigger = "reopen"
)

// ErrorKind classifies a refused transition.
type ErrorKind string

const (
	InvalidTransition ErrorKind = "invalid_transition"
	Unauthorized      ErrorKind = "unauthorized"
	AlreadyTerminal   ErrorKind = "already_terminal"
)

// TransitionError is returned when the machine refuses a trigger.
type TransitionError struct {
	Kind    ErrorKind
	From    State
	Trigger Trigger
	Actor   Actor
	Reason  string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s from %s", e.Kind, e.Trigger, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsKind reports whether err is a *TransitionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransitionError
	return errors.As(err, &te) && te.Kind == kind
}
