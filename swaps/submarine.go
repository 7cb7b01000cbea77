package swaps

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/netparams"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
	"golang.org/x/crypto/ripemd160"
)

// ErrInvalidSwap is wrapped by every submarine swap validation failure.
var ErrInvalidSwap = errors.New("invalid submarine swap")

// Receiver is the lightning node the swap pays.
type Receiver struct {
	PublicKey []byte `json:"publicKey"`
	Alias     string `json:"alias,omitempty"`
}

// FundingOutput describes the on-chain output that funds a submarine swap.
type FundingOutput struct {
	OutputAddress       string         `json:"outputAddress"`
	OutputAmount        btcutil.Amount `json:"outputAmount"`
	ConfirmationsNeeded uint           `json:"confirmationsNeeded"`
	ExpirationInBlocks  int64          `json:"expirationInBlocks"`
	ServerPaymentHash   lntypes.Hash   `json:"serverPaymentHash"`
	ServerPublicKey     []byte         `json:"serverPublicKey"`

	// KeyPath is the absolute path both the user and muun keys of the
	// output are derived at.
	KeyPath       string         `json:"keyPath"`
	UserPublicKey []byte         `json:"userPublicKey"`
	MuunPublicKey []byte         `json:"muunPublicKey"`
	DebtType      DebtType       `json:"debtType"`
	DebtAmount    btcutil.Amount `json:"debtAmount"`

	// ScriptVersion selects the swap script. Records without one are
	// SwapV2.
	ScriptVersion ScriptVersion `json:"scriptVersion,omitempty"`

	// UserRefundAddress and UserLockTime are only set on SwapV1 outputs,
	// which refund to a wallet address once the lock time passes.
	UserRefundAddress *RefundAddress `json:"userRefundAddress,omitempty"`
	UserLockTime      int64          `json:"userLockTime,omitempty"`
}

// SubmarineSwap pays a lightning invoice through a swap server, which is
// paid on-chain by the funding output.
type SubmarineSwap struct {
	// ServerUUID is the identity the swap server gave the swap.
	ServerUUID    fn.Option[uuid.UUID]
	Invoice       string
	Receiver      Receiver
	FundingOutput FundingOutput
	Fees          fn.Option[SwapFees]
	ExpiresAt     time.Time
	PaidAt        fn.Option[time.Time]
	Preimage      fn.Option[lntypes.Preimage]
}

type submarineSwapJSON struct {
	ServerUUID    *uuid.UUID        `json:"serverUuid,omitempty"`
	Invoice       string            `json:"invoice"`
	Receiver      Receiver          `json:"receiver"`
	FundingOutput FundingOutput     `json:"fundingOutput"`
	Fees          *SwapFees         `json:"fees,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	PaidAt        *time.Time        `json:"paidAt,omitempty"`
	Preimage      *lntypes.Preimage `json:"preimage,omitempty"`
}

func optionPtr[T any](o fn.Option[T]) *T {
	return fn.MapOptionZ(o, func(v T) *T { return &v })
}

// MarshalJSON omits the optional fields that are unset.
func (s SubmarineSwap) MarshalJSON() ([]byte, error) {
	return json.Marshal(submarineSwapJSON{
		ServerUUID:    optionPtr(s.ServerUUID),
		Invoice:       s.Invoice,
		Receiver:      s.Receiver,
		FundingOutput: s.FundingOutput,
		Fees:          optionPtr(s.Fees),
		ExpiresAt:     s.ExpiresAt,
		PaidAt:        optionPtr(s.PaidAt),
		Preimage:      optionPtr(s.Preimage),
	})
}

// UnmarshalJSON treats missing optional fields as unset.
func (s *SubmarineSwap) UnmarshalJSON(b []byte) error {
	var raw submarineSwapJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*s = SubmarineSwap{
		ServerUUID:    fn.OptionFromPtr(raw.ServerUUID),
		Invoice:       raw.Invoice,
		Receiver:      raw.Receiver,
		FundingOutput: raw.FundingOutput,
		Fees:          fn.OptionFromPtr(raw.Fees),
		ExpiresAt:     raw.ExpiresAt,
		PaidAt:        fn.OptionFromPtr(raw.PaidAt),
		Preimage:      fn.OptionFromPtr(raw.Preimage),
	}

	return nil
}

// IsPaid reports whether the swap server paid the invoice.
func (s *SubmarineSwap) IsPaid() bool {
	return s.PaidAt.IsSome()
}

// SetPreimage records the preimage the server revealed when paying the
// invoice. It must hash to the server payment hash.
func (s *SubmarineSwap) SetPreimage(preimage lntypes.Preimage,
	paidAt time.Time) error {

	if !preimage.Matches(s.FundingOutput.ServerPaymentHash) {
		return fmt.Errorf("%w: preimage %v does not hash to %v",
			ErrInvalidSwap, preimage, s.FundingOutput.ServerPaymentHash)
	}

	s.Preimage = fn.Some(preimage)
	s.PaidAt = fn.Some(paidAt)

	return nil
}

func invalidSwap(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSwap, fmt.Sprintf(format, args...))
}

// Validate checks a swap offered by the server against the invoice the user
// wants to pay and the user's own keys. userKey and muunKey are the wallet's
// base public keys, which must derive to the keys of the funding output.
func (s *SubmarineSwap) Validate(userKey, muunKey *key.PublicKey,
	originalExpirationInBlocks int64, params *netparams.Params) error {

	output := &s.FundingOutput

	invoice, err := zpay32.Decode(s.Invoice, params.Params)
	if err != nil {
		return invalidSwap("unable to decode invoice: %v", err)
	}

	if invoice.PaymentHash == nil ||
		!bytes.Equal(invoice.PaymentHash[:], output.ServerPaymentHash[:]) {

		return invalidSwap("payment hash doesn't match %v",
			output.ServerPaymentHash)
	}

	switch version := output.scriptVersion(); version {
	case SwapV1:
		err = s.validateV1(userKey, muunKey, params)
	case SwapV2:
		err = s.validateV2(
			invoice, userKey, muunKey, originalExpirationInBlocks,
		)
	default:
		return invalidSwap("unknown swap script version %d", version)
	}
	if err != nil {
		return err
	}

	address, err := output.address(params)
	if err != nil {
		return invalidSwap("unable to build swap address: %v", err)
	}
	if address.EncodeAddress() != output.OutputAddress {
		return invalidSwap("address for swap script mismatch %v != %v",
			address.EncodeAddress(), output.OutputAddress)
	}

	if s.Preimage.IsSome() {
		preimage := s.Preimage.UnsafeFromSome()
		if !preimage.Matches(*invoice.PaymentHash) {
			return invalidSwap("payment hash doesn't match preimage")
		}
	}

	log.Debugf("Validated %v swap paying %v", output.scriptVersion(),
		output.ServerPaymentHash)

	return nil
}

func (s *SubmarineSwap) validateV2(invoice *zpay32.Invoice, userKey,
	muunKey *key.PublicKey, originalExpirationInBlocks int64) error {

	output := &s.FundingOutput

	if invoice.Destination == nil || !bytes.Equal(
		invoice.Destination.SerializeCompressed(), s.Receiver.PublicKey,
	) {
		return invalidSwap("destination doesn't match %x",
			s.Receiver.PublicKey)
	}

	if output.ExpirationInBlocks != originalExpirationInBlocks {
		return invalidSwap("expiration in blocks doesn't match %d != %d",
			originalExpirationInBlocks, output.ExpirationInBlocks)
	}

	if invoice.MilliSat != nil && output.DebtType != DebtLend {
		invoiceAmount := invoice.MilliSat.ToSatoshis()
		if output.OutputAmount < invoiceAmount {
			return invalidSwap("output amount %v doesn't cover invoice "+
				"amount %v", output.OutputAmount, invoiceAmount)
		}
	}

	userPub, err := userKey.DeriveToString(output.KeyPath)
	if err != nil {
		return invalidSwap("unable to derive user key: %v", err)
	}
	if !bytes.Equal(userPub.Raw(), output.UserPublicKey) {
		return invalidSwap("user public keys don't match %x != %x",
			userPub.Raw(), output.UserPublicKey)
	}

	muunPub, err := muunKey.DeriveToString(output.KeyPath)
	if err != nil {
		return invalidSwap("unable to derive muun key: %v", err)
	}
	if !bytes.Equal(muunPub.Raw(), output.MuunPublicKey) {
		return invalidSwap("muun public keys don't match %x != %x",
			muunPub.Raw(), output.MuunPublicKey)
	}

	return nil
}

func (o *FundingOutput) scriptVersion() ScriptVersion {
	if o.ScriptVersion == 0 {
		return SwapV2
	}
	return o.ScriptVersion
}

// WitnessScript is the script locking the funding output.
func (o *FundingOutput) WitnessScript(params *netparams.Params) ([]byte,
	error) {

	switch version := o.scriptVersion(); version {
	case SwapV1:
		if o.UserRefundAddress == nil {
			return nil, errors.New("missing user refund address")
		}
		refund, err := btcutil.DecodeAddress(
			o.UserRefundAddress.Address, params.Params,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid refund address: %w", err)
		}
		return SwapScriptV1(
			o.ServerPaymentHash, refund, o.ServerPublicKey,
			o.UserLockTime,
		)

	case SwapV2:
		return SwapScript(
			o.ServerPaymentHash, o.UserPublicKey, o.MuunPublicKey,
			o.ServerPublicKey, o.ExpirationInBlocks,
		)

	default:
		return nil, fmt.Errorf("unknown swap script version %d", version)
	}
}

// address is the funding address: native P2WSH for SwapV2 and P2WSH nested
// in P2SH for SwapV1.
func (o *FundingOutput) address(params *netparams.Params) (btcutil.Address,
	error) {

	script, err := o.WitnessScript(params)
	if err != nil {
		return nil, err
	}

	if o.scriptVersion() == SwapV1 {
		return nestedWitnessAddress(script, params)
	}

	scriptHash := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], params.Params)
}

// SwapScript builds the witness script of a submarine swap funding output.
// It is spendable by the user and the server together, by the server with
// the preimage, or by the user and muun once expirationInBlocks have passed
// since funding.
func SwapScript(paymentHash lntypes.Hash, userPubKey, muunPubKey,
	serverPubKey []byte, expirationInBlocks int64) ([]byte, error) {

	paymentHash160 := hash160Of(paymentHash[:])
	muunHash160 := btcutil.Hash160(muunPubKey)

	return txscript.NewScriptBuilder().
		AddData(userPubKey).
		AddOp(txscript.OP_SWAP).
		AddData(serverPubKey).
		AddOp(txscript.OP_CHECKSIG).

		// Server signature: the preimage or a user signature follows.
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SWAP).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(paymentHash160).
		AddOp(txscript.OP_EQUAL).
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_ELSE).
		AddOp(txscript.OP_SWAP).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).

		// Expired: user signature plus muun key and signature.
		AddOp(txscript.OP_ELSE).
		AddInt64(expirationInBlocks).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(muunHash160).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// hash160Of is ripemd160 alone, as the payment hash already is a sha256.
func hash160Of(b []byte) []byte {
	h := ripemd160.New()
	h.Write(b)
	return h.Sum(nil)
}
