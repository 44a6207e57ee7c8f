package authz

import "testing"

func TestRoleRankOrdering(t *testing.T) {
	order := []Role{RoleCashier, RoleSupervisor, RoleManager, RoleAdmin}
	for i := 1; i < len(order); i++ {
		if !order[i].Outranks(order[i-1]) {
			t.Fatalf("%s should outrank %s", order[i], order[i-1])
		}
		if order[i-1].Outranks(order[i]) {
			t.Fatalf("%s should not outrank %s", order[i-1], order[i])
		}
	}
	if Role("ghost").Valid() {
		t.Fatalf("unknown role must not be valid")
	}
	if Role("ghost").AtLeast(RoleCashier) {
		t.Fatalf("unknown role must rank below cashier")
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		role     Role
		action   string
		allowed  bool
		override bool
	}{
		{RoleManager, ActionCancelSale, true, false},
		{RoleAdmin, ActionRefundSale, true, false},
		{RoleCashier, ActionCancelSale, false, true},
		{RoleSupervisor, ActionRefundSale, false, true},
		{RoleCashier, ActionManualMovement, false, false},
		{RoleSupervisor, ActionManualMovement, true, false},
		{RoleCashier, ActionTransferDrawer, false, false},
		{RoleCashier, "reports.export", false, false},
	}
	for _, tc := range cases {
		got := Evaluate(tc.role, tc.action)
		if got.Allowed != tc.allowed || got.OverrideRequired != tc.override {
			t.Fatalf("Evaluate(%s, %s) = %+v, want allowed=%v override=%v",
				tc.role, tc.action, got, tc.allowed, tc.override)
		}
		if got.Action != tc.action {
			t.Fatalf("decision should echo the action, got %q", got.Action)
		}
	}
}
