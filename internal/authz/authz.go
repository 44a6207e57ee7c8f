// Package authz holds the role hierarchy and the permission evaluator that
// decides whether an action is allowed outright, allowed with a manager
// override, or denied.
package authz

type Role string

const (
	RoleCashier    Role = "cashier"
	RoleSupervisor Role = "supervisor"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

// Rank gives each role an explicit position in the hierarchy. Unknown roles
// rank below everything.
func (r Role) Rank() int {
	switch r {
	case RoleCashier:
		return 1
	case RoleSupervisor:
		return 2
	case RoleManager:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

func (r Role) Valid() bool {
	return r.Rank() > 0
}

func (r Role) AtLeast(other Role) bool {
	return r.Rank() >= other.Rank()
}

// Outranks reports strict seniority, e.g. for deciding whether one user may
// modify another.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Action kinds gated by the evaluator. Cancel and refund are the destructive
// financial actions a cashier may only perform under a manager override.
const (
	ActionCancelSale     = "sale.cancel"
	ActionRefundSale     = "sale.refund"
	ActionManualMovement = "drawer.movement"
	ActionTransferDrawer = "drawer.transfer"
)

type Decision struct {
	Allowed          bool
	OverrideRequired bool
	Action           string
}

// minimumRole is the lowest rank that may perform the action unsupervised.
var minimumRole = map[string]Role{
	ActionCancelSale:     RoleManager,
	ActionRefundSale:     RoleManager,
	ActionManualMovement: RoleSupervisor,
	ActionTransferDrawer: RoleSupervisor,
}

// overridable marks actions a junior role may still perform when presenting
// an approved manager override. Only the destructive financial actions
// support the override flow; everything else is a hard role requirement.
var overridable = map[string]bool{
	ActionCancelSale: true,
	ActionRefundSale: true,
}

// Overridable reports whether the action supports the manager override flow.
func Overridable(action string) bool {
	return overridable[action]
}

// Evaluate decides whether role may perform action. Unknown actions are
// denied without an override offer.
func Evaluate(role Role, action string) Decision {
	min, ok := minimumRole[action]
	if !ok {
		return Decision{Action: action}
	}
	if role.AtLeast(min) {
		return Decision{Allowed: true, Action: action}
	}
	if overridable[action] {
		return Decision{OverrideRequired: true, Action: action}
	}
	return Decision{Action: action}
}
