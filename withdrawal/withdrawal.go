// Package withdrawal builds unsigned drafts that move funds out of a
// hardware wallet. Inputs are picked greedily in the order the caller
// hands them over, so coin selection policy lives with the caller.
package withdrawal

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/czh0526/walletcore/hdpath"
	"github.com/czh0526/walletcore/netparams"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultDustThreshold is the smallest change output worth creating.
const DefaultDustThreshold btcutil.Amount = 546

var (
	// ErrInvalidAmount is returned for non positive payment amounts and
	// negative fees.
	ErrInvalidAmount = errors.New("invalid withdrawal amount")

	// ErrNoChangeAddress is returned when a draft needs a change output
	// but the request carries no change address.
	ErrNoChangeAddress = errors.New("change required but no change address")

	// ErrWrongNetwork is returned for addresses of another network.
	ErrWrongNetwork = errors.New("address is for another network")
)

// InsufficientFundsError is returned when all outputs together can't pay
// the amount and the fee.
type InsufficientFundsError struct {
	Amount    btcutil.Amount
	Fee       btcutil.Amount
	Available btcutil.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %v + %v fee, have %v",
		e.Amount, e.Fee, e.Available)
}

// Output is a spendable output of the hardware wallet.
type Output struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount
	PkScript []byte
	Path     hdpath.Path
}

// ChangeAddress is an address of the wallet together with the path of the
// key it pays to.
type ChangeAddress struct {
	Address btcutil.Address
	Path    hdpath.Path
}

// Request describes a withdrawal to build.
type Request struct {
	// Outputs are the candidate inputs, in the order they should be
	// spent.
	Outputs []Output

	Amount         btcutil.Amount
	Fee            btcutil.Amount
	PaymentAddress btcutil.Address
	ChangeAddress  fn.Option[ChangeAddress]
}

// Draft is a withdrawal ready to be signed.
type Draft struct {
	Inputs         []Output
	InputAmount    btcutil.Amount
	PaymentAmount  btcutil.Amount
	ChangeAmount   btcutil.Amount
	PaymentAddress btcutil.Address
	ChangeAddress  fn.Option[ChangeAddress]

	// UnsignedTx spends Inputs in order. Its first output is the payment
	// and the second one, if present, the change.
	UnsignedTx *wire.MsgTx
}

// Fee is what the draft leaves to miners.
func (d *Draft) Fee() btcutil.Amount {
	return d.InputAmount - d.PaymentAmount - d.ChangeAmount
}

// HasChange reports whether the draft creates a change output.
func (d *Draft) HasChange() bool {
	return d.ChangeAmount > 0
}

// Config holds the parameters drafts are built with.
type Config struct {
	Params *netparams.Params

	// DustThreshold is the largest surplus folded into the fee instead
	// of creating change. None means DefaultDustThreshold; Some(0) turns
	// every positive surplus into change.
	DustThreshold fn.Option[btcutil.Amount]
}

// Builder builds withdrawal drafts.
type Builder struct {
	cfg  Config
	dust btcutil.Amount
}

// NewBuilder returns a builder for cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		cfg:  cfg,
		dust: cfg.DustThreshold.UnwrapOr(DefaultDustThreshold),
	}
}

// DustThreshold returns the threshold the builder applies.
func (b *Builder) DustThreshold() btcutil.Amount {
	return b.dust
}

// BuildDraft accumulates outputs until they cover the amount plus the fee.
// A surplus above the dust threshold goes to the change address; anything
// smaller is left to the fee.
func (b *Builder) BuildDraft(req Request) (*Draft, error) {
	if req.Amount <= 0 || req.Fee < 0 {
		return nil, fmt.Errorf("%w: amount %v, fee %v", ErrInvalidAmount,
			req.Amount, req.Fee)
	}
	if err := b.checkNetwork(req.PaymentAddress); err != nil {
		return nil, err
	}

	target := req.Amount + req.Fee

	var (
		inputs      []Output
		inputAmount btcutil.Amount
	)
	for _, output := range req.Outputs {
		if inputAmount >= target {
			break
		}
		inputs = append(inputs, output)
		inputAmount += output.Amount
	}

	if inputAmount < target {
		return nil, &InsufficientFundsError{
			Amount:    req.Amount,
			Fee:       req.Fee,
			Available: inputAmount,
		}
	}

	draft := &Draft{
		Inputs:         inputs,
		InputAmount:    inputAmount,
		PaymentAmount:  req.Amount,
		PaymentAddress: req.PaymentAddress,
		ChangeAddress:  fn.None[ChangeAddress](),
	}

	surplus := inputAmount - target
	if surplus > b.dust {
		change, err := req.ChangeAddress.UnwrapOrErr(ErrNoChangeAddress)
		if err != nil {
			return nil, err
		}
		if err := b.checkNetwork(change.Address); err != nil {
			return nil, err
		}

		draft.ChangeAmount = surplus
		draft.ChangeAddress = fn.Some(change)
	}

	tx, err := unsignedTx(draft)
	if err != nil {
		return nil, err
	}
	draft.UnsignedTx = tx

	log.Debugf("Built withdrawal of %v from %d inputs (%v), change %v, "+
		"fee %v", draft.PaymentAmount, len(inputs), inputAmount,
		draft.ChangeAmount, draft.Fee())

	return draft, nil
}

func (b *Builder) checkNetwork(addr btcutil.Address) error {
	if addr == nil {
		return fmt.Errorf("%w: missing address", ErrWrongNetwork)
	}
	if b.cfg.Params != nil && !addr.IsForNet(b.cfg.Params.Params) {
		return fmt.Errorf("%w: %v", ErrWrongNetwork, addr)
	}
	return nil
}

func unsignedTx(draft *Draft) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	for i := range draft.Inputs {
		tx.AddTxIn(wire.NewTxIn(&draft.Inputs[i].OutPoint, nil, nil))
	}

	paymentScript, err := txscript.PayToAddrScript(draft.PaymentAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to build payment script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(draft.PaymentAmount), paymentScript))

	if draft.HasChange() {
		change := draft.ChangeAddress.UnsafeFromSome()
		changeScript, err := txscript.PayToAddrScript(change.Address)
		if err != nil {
			return nil, fmt.Errorf("unable to build change script: %w",
				err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(draft.ChangeAmount), changeScript))
	}

	return tx, nil
}

// DecodeAddress parses an address for the builder's network.
func (b *Builder) DecodeAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, b.cfg.Params.Params)
	if err != nil {
		return nil, err
	}
	if err := b.checkNetwork(decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
