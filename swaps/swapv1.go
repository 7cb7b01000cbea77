package swaps

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/netparams"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ScriptVersion identifies the script locking a swap funding output.
type ScriptVersion uint8

const (
	// SwapV1 outputs pay the server with the preimage, or refund to a
	// wallet address after an absolute lock time.
	SwapV1 ScriptVersion = 1

	// SwapV2 outputs are the 2-of-2 collaborative scripts of SwapScript.
	SwapV2 ScriptVersion = 2
)

func (v ScriptVersion) String() string {
	switch v {
	case SwapV1:
		return "swap v1"
	case SwapV2:
		return "swap v2"
	default:
		return fmt.Sprintf("unknown swap version %d", uint8(v))
	}
}

// AddressVersion is the kind of 2-of-2 wallet address a SwapV1 output
// refunds to.
type AddressVersion uint8

const (
	// AddressV2 is a P2SH multisig address.
	AddressV2 AddressVersion = 2

	// AddressV3 is a P2SH nested P2WSH multisig address.
	AddressV3 AddressVersion = 3

	// AddressV4 is a native P2WSH multisig address.
	AddressV4 AddressVersion = 4
)

// RefundAddress is a wallet address together with the path its keys are
// derived at.
type RefundAddress struct {
	Address string         `json:"address"`
	Path    string         `json:"derivationPath"`
	Version AddressVersion `json:"version"`
}

// derive rebuilds the refund address from the wallet's base keys.
func (a *RefundAddress) derive(userKey, muunKey *key.PublicKey,
	params *netparams.Params) (btcutil.Address, error) {

	userPub, err := userKey.DeriveToString(a.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to derive user key: %w", err)
	}
	muunPub, err := muunKey.DeriveToString(a.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to derive muun key: %w", err)
	}

	script, err := multisigScript(userPub.Raw(), muunPub.Raw(), params)
	if err != nil {
		return nil, err
	}

	switch a.Version {
	case AddressV2:
		return btcutil.NewAddressScriptHash(script, params.Params)
	case AddressV3:
		return nestedWitnessAddress(script, params)
	case AddressV4:
		scriptHash := sha256.Sum256(script)
		return btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], params.Params,
		)
	default:
		return nil, fmt.Errorf("unsupported refund address version %d",
			a.Version)
	}
}

func multisigScript(userPubKey, muunPubKey []byte,
	params *netparams.Params) ([]byte, error) {

	userAddr, err := btcutil.NewAddressPubKey(userPubKey, params.Params)
	if err != nil {
		return nil, err
	}
	muunAddr, err := btcutil.NewAddressPubKey(muunPubKey, params.Params)
	if err != nil {
		return nil, err
	}

	return txscript.MultiSigScript(
		[]*btcutil.AddressPubKey{userAddr, muunAddr}, 2,
	)
}

// nestedWitnessAddress wraps the P2WSH program of witnessScript in P2SH.
func nestedWitnessAddress(witnessScript []byte,
	params *netparams.Params) (*btcutil.AddressScriptHash, error) {

	scriptHash := sha256.Sum256(witnessScript)
	redeemScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
	if err != nil {
		return nil, err
	}

	return btcutil.NewAddressScriptHash(redeemScript, params.Params)
}

// SwapScriptV1 builds the witness script of a SwapV1 funding output. The
// server spends it with the preimage; after lockTime the owner of the
// refund address does.
func SwapScriptV1(paymentHash lntypes.Hash, refundAddress btcutil.Address,
	serverPubKey []byte, lockTime int64) ([]byte, error) {

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash160Of(paymentHash[:])).
		AddOp(txscript.OP_EQUAL).

		// Paid: the server key checks the signature.
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_DROP).
		AddData(serverPubKey).

		// Refund: the key must hash to the refund address.
		AddOp(txscript.OP_ELSE).
		AddInt64(lockTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(refundAddress.ScriptAddress()).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// validateV1 checks the refund address of a SwapV1 output belongs to the
// wallet. The funding address is checked by Validate.
func (s *SubmarineSwap) validateV1(userKey, muunKey *key.PublicKey,
	params *netparams.Params) error {

	refund := s.FundingOutput.UserRefundAddress
	if refund == nil {
		return invalidSwap("missing user refund address")
	}

	derived, err := refund.derive(userKey, muunKey, params)
	if err != nil {
		return invalidSwap("unable to generate refund address: %v", err)
	}
	if derived.EncodeAddress() != refund.Address {
		return invalidSwap("refund address doesn't match generated "+
			"%v != %v", refund.Address, derived.EncodeAddress())
	}

	return nil
}
