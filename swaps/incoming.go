package swaps

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrInvalidIncomingSwap is wrapped by every incoming swap validation
	// failure.
	ErrInvalidIncomingSwap = errors.New("invalid incoming swap")

	// ErrPreimageMismatch is returned when a preimage doesn't hash to the
	// swap's payment hash.
	ErrPreimageMismatch = errors.New("preimage doesn't match payment hash")
)

// IncomingSwapHtlc is the on-chain HTLC a swap server funds to pay the
// user a lightning payment.
type IncomingSwapHtlc struct {
	HtlcTx              []byte `json:"htlcTx"`
	ExpirationHeight    int64  `json:"expirationHeight"`
	SwapServerPublicKey []byte `json:"swapServerPublicKey"`
}

// Tx decodes the HTLC transaction.
func (h *IncomingSwapHtlc) Tx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(h.HtlcTx)); err != nil {
		return nil, fmt.Errorf("unable to decode htlc tx: %w", err)
	}
	return tx, nil
}

// OutputIndex returns the index of the HTLC output paying to pkScript.
func (h *IncomingSwapHtlc) OutputIndex(pkScript []byte) (uint32, error) {
	tx, err := h.Tx()
	if err != nil {
		return 0, err
	}

	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), nil
		}
	}

	return 0, fmt.Errorf("%w: htlc tx %v has no output for script",
		ErrInvalidIncomingSwap, tx.TxHash())
}

// IncomingSwap is a lightning payment to the user that a swap server
// forwards on-chain. Swaps received without an HTLC are fully lent.
type IncomingSwap struct {
	PaymentHash   lntypes.Hash
	Htlc          fn.Option[IncomingSwapHtlc]
	SphinxPacket  fn.Option[[]byte]
	PaymentAmount btcutil.Amount

	// Collect is the debt the server collects from this payment.
	Collect btcutil.Amount
}

// Validate checks the swap against the amount of the invoice it pays, when
// the invoice has one. Senders may pay more than the invoice asks.
func (s *IncomingSwap) Validate(invoiceAmount fn.Option[btcutil.Amount]) error {
	if s.PaymentAmount <= 0 {
		return fmt.Errorf("%w: payment amount %v", ErrInvalidIncomingSwap,
			s.PaymentAmount)
	}
	if s.Collect < 0 || s.Collect > s.PaymentAmount {
		return fmt.Errorf("%w: collect %v of payment %v",
			ErrInvalidIncomingSwap, s.Collect, s.PaymentAmount)
	}

	if amount := invoiceAmount.UnwrapOr(0); amount > s.PaymentAmount {
		return fmt.Errorf("%w: payment of %v for an invoice of %v",
			ErrInvalidIncomingSwap, s.PaymentAmount, amount)
	}

	if s.Htlc.IsSome() {
		htlc := s.Htlc.UnsafeFromSome()
		if _, err := btcec.ParsePubKey(htlc.SwapServerPublicKey); err != nil {
			return fmt.Errorf("%w: bad server key: %v",
				ErrInvalidIncomingSwap, err)
		}
		if _, err := htlc.Tx(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIncomingSwap, err)
		}
	}

	return nil
}

// IsFullDebt reports whether the server lent the whole payment instead of
// funding an HTLC.
func (s *IncomingSwap) IsFullDebt() bool {
	return s.Htlc.IsNone()
}

// ExpectedAmount is what the sender must have routed for a fulfillment
// output of outputAmount: the output plus the collected debt.
func (s *IncomingSwap) ExpectedAmount(
	outputAmount btcutil.Amount) lnwire.MilliSatoshi {

	return lnwire.NewMSatFromSatoshis(outputAmount + s.Collect)
}

// VerifyPreimage checks that preimage unlocks the payment.
func (s *IncomingSwap) VerifyPreimage(preimage lntypes.Preimage) error {
	if !preimage.Matches(s.PaymentHash) {
		return fmt.Errorf("%w: %v", ErrPreimageMismatch, s.PaymentHash)
	}
	return nil
}
