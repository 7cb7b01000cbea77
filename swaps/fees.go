// Package swaps holds the accounting of submarine swaps, which pay a
// lightning invoice by funding an on-chain output a swap server can claim,
// and of incoming swaps, which receive a lightning payment through an
// on-chain HTLC.
package swaps

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// DustThreshold is the smallest funding output a swap creates. Smaller
// outputs are padded up to it.
const DustThreshold btcutil.Amount = 546

var (
	// ErrNoRoutes is returned when fees are computed without any route.
	ErrNoRoutes = errors.New("no routes to compute lightning fee")

	// ErrNegativeAmount is returned for negative payment amounts.
	ErrNegativeAmount = errors.New("negative payment amount")
)

// DebtType says which way debt flows in a swap.
type DebtType uint8

const (
	// DebtNone swaps neither lend nor collect.
	DebtNone DebtType = iota

	// DebtLend swaps are paid by the server on credit, without funding
	// an output.
	DebtLend

	// DebtCollect swaps fund an output that also repays past debt.
	DebtCollect
)

func (d DebtType) String() string {
	switch d {
	case DebtNone:
		return "NONE"
	case DebtLend:
		return "LEND"
	case DebtCollect:
		return "COLLECT"
	default:
		return fmt.Sprintf("DebtType(%d)", uint8(d))
	}
}

// ParseDebtType returns the debt type with the given name.
func ParseDebtType(name string) (DebtType, error) {
	for _, d := range []DebtType{DebtNone, DebtLend, DebtCollect} {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown debt type %q", name)
}

// MarshalText encodes d by name, failing for unknown values.
func (d DebtType) MarshalText() ([]byte, error) {
	if d > DebtCollect {
		return nil, fmt.Errorf("unknown debt type %d", uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText decodes a name written by MarshalText.
func (d *DebtType) UnmarshalText(text []byte) error {
	parsed, err := ParseDebtType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// RouteFees is the fee policy of a lightning route able to carry payments
// up to MaxCapacity.
type RouteFees struct {
	MaxCapacity              btcutil.Amount `json:"maxCapacity"`
	FeeProportionalMillionth uint64         `json:"feeProportionalMillionth"`
	FeeBase                  btcutil.Amount `json:"feeBase"`
}

// ForAmount is the fee the route charges to carry amount.
func (r RouteFees) ForAmount(amount btcutil.Amount) btcutil.Amount {
	return btcutil.Amount(r.FeeProportionalMillionth)*amount/1_000_000 +
		r.FeeBase
}

// FundingOutputPolicies are the swap server's terms for funding outputs.
type FundingOutputPolicies struct {
	// MaximumDebt is the most the server lends to this user.
	MaximumDebt btcutil.Amount `json:"maximumDebt"`

	// PotentialCollect is the debt the server can collect in this swap.
	PotentialCollect btcutil.Amount `json:"potentialCollect"`

	// MaxAmountFor0Conf is the largest swap paid without confirmations.
	MaxAmountFor0Conf btcutil.Amount `json:"maxAmountFor0Conf"`
}

// FundingConfirmations is the number of confirmations the funding output
// needs before the server pays the invoice.
func (p FundingOutputPolicies) FundingConfirmations(amount,
	lightningFee btcutil.Amount) uint {

	if amount+lightningFee <= p.MaxAmountFor0Conf {
		return 0
	}
	return 1
}

// DebtType decides the debt type of a swap.
func (p FundingOutputPolicies) DebtType(amount,
	lightningFee btcutil.Amount) DebtType {

	total := amount + lightningFee
	if p.FundingConfirmations(amount, lightningFee) == 0 &&
		total <= p.MaximumDebt {

		return DebtLend
	}
	if p.PotentialCollect > 0 {
		return DebtCollect
	}
	return DebtNone
}

// DebtAmount is the debt the swap lends or collects.
func (p FundingOutputPolicies) DebtAmount(amount,
	lightningFee btcutil.Amount) btcutil.Amount {

	switch p.DebtType(amount, lightningFee) {
	case DebtLend:
		return amount + lightningFee
	case DebtCollect:
		return p.PotentialCollect
	default:
		return 0
	}
}

// MinFundingAmount is what the funding output must hold before padding.
func (p FundingOutputPolicies) MinFundingAmount(amount,
	lightningFee btcutil.Amount) btcutil.Amount {

	min := amount + lightningFee
	if p.DebtType(amount, lightningFee) == DebtCollect {
		min += p.DebtAmount(amount, lightningFee)
	}
	return min
}

// FundingOutputAmount is the minimum funding amount raised to the dust
// threshold.
func (p FundingOutputPolicies) FundingOutputAmount(amount,
	lightningFee btcutil.Amount) btcutil.Amount {

	min := p.MinFundingAmount(amount, lightningFee)
	if min < DustThreshold {
		return DustThreshold
	}
	return min
}

// FundingOutputPadding is what the output holds above the minimum only to
// stay above dust.
func (p FundingOutputPolicies) FundingOutputPadding(amount,
	lightningFee btcutil.Amount) btcutil.Amount {

	return p.FundingOutputAmount(amount, lightningFee) -
		p.MinFundingAmount(amount, lightningFee)
}

// SwapFees is the breakdown of what a swap costs.
type SwapFees struct {
	RoutingFee          btcutil.Amount `json:"routingFee"`
	DebtType            DebtType       `json:"debtType"`
	DebtAmount          btcutil.Amount `json:"debtAmount"`
	OutputAmount        btcutil.Amount `json:"outputAmount"`
	OutputPadding       btcutil.Amount `json:"outputPadding"`
	ConfirmationsNeeded uint           `json:"confirmationsNeeded"`
}

// TotalFees is what the user pays on top of the amount. Lent swaps have no
// funding output and so no padding.
func (f *SwapFees) TotalFees() btcutil.Amount {
	if f.DebtType == DebtLend {
		return f.RoutingFee
	}
	return f.RoutingFee + f.OutputPadding
}

// ComputeSwapFees works out the fees and the funding output of a swap of
// amount. Routes are tried in order and the first one with enough capacity
// prices the payment, falling back to the last one. Swaps that take the
// fee from the amount are never lent.
func ComputeSwapFees(amount btcutil.Amount, routes []RouteFees,
	policies FundingOutputPolicies,
	takeFeeFromAmount bool) (*SwapFees, error) {

	if amount < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNegativeAmount, amount)
	}
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}

	if takeFeeFromAmount {
		policies.MaximumDebt = 0
	}

	lightningFee := lightningFee(amount, routes)
	padding := policies.FundingOutputPadding(amount, lightningFee)
	debtType := policies.DebtType(amount, lightningFee)
	debtAmount := policies.DebtAmount(amount, lightningFee)

	outputAmount := amount + lightningFee + padding
	switch debtType {
	case DebtCollect:
		outputAmount += debtAmount
	case DebtLend:
		outputAmount = 0
	}

	fees := &SwapFees{
		RoutingFee:          lightningFee,
		DebtType:            debtType,
		DebtAmount:          debtAmount,
		OutputAmount:        outputAmount,
		OutputPadding:       padding,
		ConfirmationsNeeded: policies.FundingConfirmations(amount, lightningFee),
	}

	log.Tracef("Swap of %v: routing fee %v, %v debt %v, output %v",
		amount, lightningFee, debtType, debtAmount, outputAmount)

	return fees, nil
}

func lightningFee(amount btcutil.Amount, routes []RouteFees) btcutil.Amount {
	for _, route := range routes {
		if amount <= route.MaxCapacity {
			return route.ForAmount(amount)
		}
	}
	return routes[len(routes)-1].ForAmount(amount)
}
