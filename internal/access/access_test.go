package access

import (
	"math"
	"testing"

	"github.com/veldt-labs/tokenhall/internal/domain"
)

func TestEvaluateThresholdBoundary(t *testing.T) {
	policy := DefaultPolicy()
	cases := []struct {
		name       string
		balanceRaw int64
		decimals   int
		want       domain.Role
	}{
		{"exactly at threshold", 10_000_000_000, 6, domain.RoleMember},
		{"one raw unit below", 9_999_999_999, 6, domain.RoleGuest},
		{"one raw unit above", 10_000_000_001, 6, domain.RoleMember},
		{"zero balance", 0, 6, domain.RoleGuest},
		{"negative balance clamps to guest", -5, 6, domain.RoleGuest},
		{"zero decimals", 10_000, 0, domain.RoleMember},
		{"nine decimals", 10_000_000_000_000, 9, domain.RoleMember},
		{"nine decimals below", 9_999_999_999_999, 9, domain.RoleGuest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.balanceRaw, tc.decimals, policy)
			if got.Role != tc.want {
				t.Fatalf("role = %q, want %q", got.Role, tc.want)
			}
		})
	}
}

func TestEvaluateLargeBalanceNoTruncation(t *testing.T) {
	// 9.2e18 raw units with 18 decimals is ~9.2 whole tokens; naive float
	// division of the threshold comparison would be lossy at this scale.
	got := Evaluate(math.MaxInt64, 18, DefaultPolicy())
	if got.Role != domain.RoleGuest {
		t.Fatalf("role = %q, want %q", got.Role, domain.RoleGuest)
	}
}

func TestEvaluateScenarioGuest(t *testing.T) {
	// 5_000_000 raw at 6 decimals is 5 whole tokens.
	got := Evaluate(5_000_000, 6, DefaultPolicy())
	if got.Role != domain.RoleGuest {
		t.Fatalf("role = %q, want %q", got.Role, domain.RoleGuest)
	}
}

func TestEvaluateScenarioMemberPercentage(t *testing.T) {
	// 15_000_000_000 raw at 6 decimals is 15,000 whole tokens, which is
	// 0.15% of a 10,000,000-token supply reference.
	got := Evaluate(15_000_000_000, 6, DefaultPolicy())
	if got.Role != domain.RoleMember {
		t.Fatalf("role = %q, want %q", got.Role, domain.RoleMember)
	}
	if got.HoldingPercentage != 0.15 {
		t.Fatalf("holding percentage = %v, want 0.15", got.HoldingPercentage)
	}
}

func TestEvaluatePercentageRounding(t *testing.T) {
	// 1 raw unit at 6 decimals over the default supply reference rounds to
	// six decimal places: 1e-6 / 1e7 * 100 = 1e-11 -> 0.
	got := Evaluate(1, 6, DefaultPolicy())
	if got.HoldingPercentage != 0 {
		t.Fatalf("holding percentage = %v, want 0", got.HoldingPercentage)
	}

	// 123_456_789 raw at 6 decimals is 123.456789 tokens ->
	// 123.456789 / 10_000_000 * 100 = 0.00123456789% -> 0.001235 rounded.
	got = Evaluate(123_456_789, 6, DefaultPolicy())
	if got.HoldingPercentage != 0.001235 {
		t.Fatalf("holding percentage = %v, want 0.001235", got.HoldingPercentage)
	}
}

func TestEvaluateCustomPolicy(t *testing.T) {
	policy := Policy{MinTokens: 100, PercentUnit: 1_000}
	got := Evaluate(100_000_000, 6, policy)
	if got.Role != domain.RoleMember {
		t.Fatalf("role = %q, want %q", got.Role, domain.RoleMember)
	}
	// 100 tokens of a 1,000 token reference is 10%.
	if got.HoldingPercentage != 10 {
		t.Fatalf("holding percentage = %v, want 10", got.HoldingPercentage)
	}
}

func TestEvaluateZeroPolicyFallsBackToDefaults(t *testing.T) {
	got := Evaluate(10_000_000_000, 6, Policy{})
	if got.Role != domain.RoleMember {
		t.Fatalf("role = %q, want %q", got.Role, domain.RoleMember)
	}
}
