package swaps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrUnknownBalance is returned when the size progression is empty, so
	// nothing is known about the wallet's utxos yet.
	ErrUnknownBalance = errors.New("utxo balance is unknown")

	// ErrMixedOutpoints is returned when only some entries of a size
	// progression carry their outpoint.
	ErrMixedOutpoints = errors.New("size progression mixes entries with " +
		"and without outpoints")

	// ErrSwapIntegrity is returned when swap fees don't add up to their
	// output amount.
	ErrSwapIntegrity = errors.New("swap integrity check failed")
)

// DebtNegativeError is returned when the expected debt is negative, which
// the server must never report.
type DebtNegativeError struct {
	Debt btcutil.Amount
}

func (e *DebtNegativeError) Error() string {
	return fmt.Sprintf("expected debt is negative: %v", e.Debt)
}

// DebtExceedsBalanceError is returned when the expected debt is larger
// than the utxo balance it is paid from.
type DebtExceedsBalanceError struct {
	Debt        btcutil.Amount
	UtxoBalance btcutil.Amount
}

func (e *DebtExceedsBalanceError) Error() string {
	return fmt.Sprintf("expected debt %v exceeds utxo balance %v", e.Debt,
		e.UtxoBalance)
}

// UtxoStatus is the confirmation status of a utxo.
type UtxoStatus uint8

const (
	UtxoConfirmed UtxoStatus = iota
	UtxoUnconfirmed
)

func (s UtxoStatus) String() string {
	switch s {
	case UtxoConfirmed:
		return "CONFIRMED"
	case UtxoUnconfirmed:
		return "UNCONFIRMED"
	default:
		return fmt.Sprintf("UtxoStatus(%d)", uint8(s))
	}
}

// ParseUtxoStatus accepts status names in any case.
func ParseUtxoStatus(name string) (UtxoStatus, error) {
	for _, s := range []UtxoStatus{UtxoConfirmed, UtxoUnconfirmed} {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown utxo status %q", name)
}

// MarshalText encodes s by name, failing for unknown values.
func (s UtxoStatus) MarshalText() ([]byte, error) {
	if s > UtxoUnconfirmed {
		return nil, fmt.Errorf("unknown utxo status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name in any case.
func (s *UtxoStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseUtxoStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// uninitializedOutpoint marks entries the server sent without outpoint.
const uninitializedOutpoint = "uninitialized"

// SizeForAmount is one step of a size progression: spending every utxo up
// to this one moves Amount in a transaction of SizeInVByte.
type SizeForAmount struct {
	Amount      btcutil.Amount `json:"amountInSat"`
	SizeInVByte int64          `json:"sizeInVByte"`
	Outpoint    string         `json:"outpoint,omitempty"`
	UtxoStatus  UtxoStatus     `json:"status"`
}

// NextTransactionSize describes what spending the wallet's utxos costs.
// The progression is sorted by amount, each entry adding one utxo.
type NextTransactionSize struct {
	SizeProgression     []SizeForAmount  `json:"sizeProgression"`
	ValidAtOperationHid fn.Option[int64] `json:"-"`
	ExpectedDebt        btcutil.Amount   `json:"expectedDebtInSat"`
}

// UtxoBalance is the amount of spending every utxo. It is None while the
// progression is empty, which is not the same as a zero balance.
func (n *NextTransactionSize) UtxoBalance() fn.Option[btcutil.Amount] {
	if len(n.SizeProgression) == 0 {
		return fn.None[btcutil.Amount]()
	}
	return fn.Some(n.SizeProgression[len(n.SizeProgression)-1].Amount)
}

// UserBalance is the utxo balance minus the debt owed to the server.
func (n *NextTransactionSize) UserBalance() (btcutil.Amount, error) {
	if n.ExpectedDebt < 0 {
		return 0, &DebtNegativeError{Debt: n.ExpectedDebt}
	}

	utxoBalance, err := n.UtxoBalance().UnwrapOrErr(ErrUnknownBalance)
	if err != nil {
		return 0, err
	}

	if n.ExpectedDebt > utxoBalance {
		return 0, &DebtExceedsBalanceError{
			Debt:        n.ExpectedDebt,
			UtxoBalance: utxoBalance,
		}
	}

	return utxoBalance - n.ExpectedDebt, nil
}

// Outpoints returns the outpoints of the progression in order. Progressions
// the server sent without outpoints yield none.
func (n *NextTransactionSize) Outpoints() ([]wire.OutPoint, error) {
	var (
		outpoints []wire.OutPoint
		missing   int
	)
	for _, entry := range n.SizeProgression {
		if entry.Outpoint == "" || entry.Outpoint == uninitializedOutpoint {
			missing++
			continue
		}

		op, err := wire.NewOutPointFromString(entry.Outpoint)
		if err != nil {
			return nil, fmt.Errorf("bad outpoint %q: %w", entry.Outpoint,
				err)
		}
		outpoints = append(outpoints, *op)
	}

	if missing > 0 && len(outpoints) > 0 {
		return nil, ErrMixedOutpoints
	}

	return outpoints, nil
}

// CheckIntegrity verifies that a funded swap's output amount is exactly
// the amount plus routing fee, padding and collected debt. Lent swaps fund
// no output and always pass.
func (f *SwapFees) CheckIntegrity(amount btcutil.Amount) error {
	if f.DebtType == DebtLend {
		return nil
	}

	var collect btcutil.Amount
	if f.DebtType == DebtCollect {
		collect = f.DebtAmount
	}

	expected := amount + f.RoutingFee + f.OutputPadding + collect
	if f.OutputAmount != expected {
		return fmt.Errorf("%w: output %v, amount %v, routing fee %v, "+
			"padding %v, collect %v", ErrSwapIntegrity, f.OutputAmount,
			amount, f.RoutingFee, f.OutputPadding, collect)
	}

	return nil
}
