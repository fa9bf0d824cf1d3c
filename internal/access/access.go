// Package access derives token-gated roles from raw on-chain balances.
//
// Balances arrive as integers in the token's smallest unit. All comparisons
// happen in scaled integer arithmetic so large balances never lose precision
// to floating-point division.
package access

import (
	"math/big"
	"strconv"

	"github.com/veldt-labs/tokenhall/internal/domain"
)

// DefaultMinTokens is the platform-wide membership threshold in whole
// tokens.
const DefaultMinTokens = 10_000

// DefaultPercentUnit is the number of whole tokens treated as the full
// supply reference when computing holding percentages. It is configurable
// per server because a fixed ratio is wrong for tokens with different
// circulating supplies.
const DefaultPercentUnit = 10_000_000

// percentageDecimals is the display precision for holding percentages.
const percentageDecimals = 6

// Policy configures role evaluation for one server.
type Policy struct {
	// MinTokens is the whole-token balance required for member role.
	MinTokens int64
	// PercentUnit is the whole-token supply reference for percentage math.
	PercentUnit int64
}

// DefaultPolicy returns the platform-wide thresholds.
func DefaultPolicy() Policy {
	return Policy{MinTokens: DefaultMinTokens, PercentUnit: DefaultPercentUnit}
}

// Evaluation is the derived standing for one balance.
type Evaluation struct {
	Role              domain.Role
	HoldingPercentage float64
}

// Evaluate maps a raw balance and token decimals to a role and holding
// percentage. The role is member exactly when the balance, divided by
// 10^decimals, meets or exceeds the policy threshold; the boundary value is
// a member. The holding percentage is the whole-token balance over the
// policy's supply reference unit, as a percentage rounded to six decimal
// places.
func Evaluate(balanceRaw int64, decimals int, policy Policy) Evaluation {
	if policy.MinTokens <= 0 {
		policy.MinTokens = DefaultMinTokens
	}
	if policy.PercentUnit <= 0 {
		policy.PercentUnit = DefaultPercentUnit
	}
	if decimals < 0 {
		decimals = 0
	}
	if balanceRaw < 0 {
		balanceRaw = 0
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	threshold := new(big.Int).Mul(big.NewInt(policy.MinTokens), scale)

	role := domain.RoleGuest
	if big.NewInt(balanceRaw).Cmp(threshold) >= 0 {
		role = domain.RoleMember
	}

	return Evaluation{
		Role:              role,
		HoldingPercentage: holdingPercentage(balanceRaw, scale, policy.PercentUnit),
	}
}

// holdingPercentage computes balanceRaw/scale over percentUnit as a
// percentage, rounded to six decimal places via exact rational arithmetic.
func holdingPercentage(balanceRaw int64, scale *big.Int, percentUnit int64) float64 {
	denominator := new(big.Int).Mul(scale, big.NewInt(percentUnit))
	ratio := new(big.Rat).SetFrac(
		new(big.Int).Mul(big.NewInt(balanceRaw), big.NewInt(100)),
		denominator,
	)
	rounded, err := strconv.ParseFloat(ratio.FloatString(percentageDecimals), 64)
	if err != nil {
		return 0
	}
	return rounded
}
