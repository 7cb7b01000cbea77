package withdrawal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/czh0526/walletcore/hdpath"
	"github.com/czh0526/walletcore/netparams"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var params = &netparams.RegtestParams

func testAddress(t require.TestingT, b byte) btcutil.Address {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{b}, 20), params.Params,
	)
	require.NoError(t, err)
	return addr
}

func testChange(t require.TestingT) fn.Option[ChangeAddress] {
	return fn.Some(ChangeAddress{
		Address: testAddress(t, 0xcc),
		Path:    hdpath.MustParse("m/schema:1'/recovery:1'/change:1/3"),
	})
}

func testOutputs(amounts ...btcutil.Amount) []Output {
	outputs := make([]Output, len(amounts))
	for i, amount := range amounts {
		outputs[i] = Output{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.HashH([]byte{byte(i)}),
				Index: uint32(i),
			},
			Amount: amount,
			Path:   hdpath.MustParse("m/1/2"),
		}
	}
	return outputs
}

func TestBuildDraftWithChange(t *testing.T) {
	builder := NewBuilder(Config{
		Params:        params,
		DustThreshold: fn.Some[btcutil.Amount](2_000),
	})

	draft, err := builder.BuildDraft(Request{
		Outputs:        testOutputs(30_000, 20_000, 15_000),
		Amount:         40_000,
		Fee:            1_000,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  testChange(t),
	})
	require.NoError(t, err)

	require.Len(t, draft.Inputs, 2)
	assert.Equal(t, btcutil.Amount(50_000), draft.InputAmount)
	assert.Equal(t, btcutil.Amount(9_000), draft.ChangeAmount)
	assert.Equal(t, btcutil.Amount(1_000), draft.Fee())
	assert.True(t, draft.HasChange())
	assert.True(t, draft.ChangeAddress.IsSome())

	tx := draft.UnsignedTx
	require.Len(t, tx.TxIn, 2)
	assert.Equal(t, draft.Inputs[1].OutPoint, tx.TxIn[1].PreviousOutPoint)
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, int64(40_000), tx.TxOut[0].Value)
	assert.Equal(t, int64(9_000), tx.TxOut[1].Value)

	changeScript, err := txscript.PayToAddrScript(testAddress(t, 0xcc))
	require.NoError(t, err)
	assert.Equal(t, changeScript, tx.TxOut[1].PkScript)
}

func TestBuildDraftDustAbsorbed(t *testing.T) {
	builder := NewBuilder(Config{
		Params:        params,
		DustThreshold: fn.Some[btcutil.Amount](2_000),
	})

	draft, err := builder.BuildDraft(Request{
		Outputs:        testOutputs(10_000),
		Amount:         9_500,
		Fee:            400,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  fn.None[ChangeAddress](),
	})
	require.NoError(t, err)

	require.Len(t, draft.Inputs, 1)
	assert.False(t, draft.HasChange())
	assert.True(t, draft.ChangeAddress.IsNone())
	assert.Equal(t, btcutil.Amount(500), draft.Fee())
	assert.Len(t, draft.UnsignedTx.TxOut, 1)
}

func TestBuildDraftZeroDustThreshold(t *testing.T) {
	builder := NewBuilder(Config{
		Params:        params,
		DustThreshold: fn.Some[btcutil.Amount](0),
	})
	assert.Equal(t, btcutil.Amount(0), builder.DustThreshold())

	draft, err := builder.BuildDraft(Request{
		Outputs:        testOutputs(10_000),
		Amount:         9_000,
		Fee:            999,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  testChange(t),
	})
	require.NoError(t, err)

	assert.True(t, draft.HasChange())
	assert.Equal(t, btcutil.Amount(1), draft.ChangeAmount)
	assert.Equal(t, btcutil.Amount(999), draft.Fee())
	require.Len(t, draft.UnsignedTx.TxOut, 2)
	assert.Equal(t, int64(1), draft.UnsignedTx.TxOut[1].Value)

	// An exact match still creates no change.
	draft, err = builder.BuildDraft(Request{
		Outputs:        testOutputs(10_000),
		Amount:         9_000,
		Fee:            1_000,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  fn.None[ChangeAddress](),
	})
	require.NoError(t, err)
	assert.False(t, draft.HasChange())
}

func TestBuildDraftInsufficientFunds(t *testing.T) {
	builder := NewBuilder(Config{Params: params})

	_, err := builder.BuildDraft(Request{
		Outputs:        testOutputs(5_000),
		Amount:         10_000,
		Fee:            100,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  testChange(t),
	})

	var fundsErr *InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, btcutil.Amount(10_000), fundsErr.Amount)
	assert.Equal(t, btcutil.Amount(100), fundsErr.Fee)
	assert.Equal(t, btcutil.Amount(5_000), fundsErr.Available)
}

func TestBuildDraftRejects(t *testing.T) {
	builder := NewBuilder(Config{Params: params})
	assert.Equal(t, DefaultDustThreshold, builder.DustThreshold())

	mainnetAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{1}, 20), netparams.MainNetParams.Params,
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
		err  error
	}{{
		name: "zero amount",
		req: Request{
			Outputs:        testOutputs(1_000),
			PaymentAddress: testAddress(t, 1),
		},
		err: ErrInvalidAmount,
	}, {
		name: "negative fee",
		req: Request{
			Outputs:        testOutputs(1_000),
			Amount:         100,
			Fee:            -1,
			PaymentAddress: testAddress(t, 1),
		},
		err: ErrInvalidAmount,
	}, {
		name: "payment on another network",
		req: Request{
			Outputs:        testOutputs(1_000),
			Amount:         100,
			PaymentAddress: mainnetAddr,
		},
		err: ErrWrongNetwork,
	}, {
		name: "change without address",
		req: Request{
			Outputs:        testOutputs(100_000),
			Amount:         1_000,
			Fee:            100,
			PaymentAddress: testAddress(t, 1),
			ChangeAddress:  fn.None[ChangeAddress](),
		},
		err: ErrNoChangeAddress,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := builder.BuildDraft(test.req)
			assert.ErrorIs(t, err, test.err)
		})
	}
}

func TestDecodeAddress(t *testing.T) {
	builder := NewBuilder(Config{Params: params})

	addr := testAddress(t, 0xaa)
	decoded, err := builder.DecodeAddress(addr.EncodeAddress())
	require.NoError(t, err)
	assert.Equal(t, addr.EncodeAddress(), decoded.EncodeAddress())

	_, err = builder.DecodeAddress("not an address")
	assert.Error(t, err)
}

func TestBuildDraftProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dust := btcutil.Amount(rapid.Int64Range(0, 5_000).Draw(t, "dust"))
		builder := NewBuilder(Config{
			Params:        params,
			DustThreshold: fn.Some(dust),
		})
		if builder.DustThreshold() != dust {
			t.Fatalf("dust threshold %v, want %v",
				builder.DustThreshold(), dust)
		}

		amounts := rapid.SliceOfN(
			rapid.Int64Range(1, 100_000), 0, 10,
		).Draw(t, "amounts")

		var (
			outputs []btcutil.Amount
			total   btcutil.Amount
		)
		for _, a := range amounts {
			outputs = append(outputs, btcutil.Amount(a))
			total += btcutil.Amount(a)
		}

		amount := btcutil.Amount(rapid.Int64Range(1, 300_000).Draw(t, "amount"))
		fee := btcutil.Amount(rapid.Int64Range(0, 10_000).Draw(t, "fee"))

		draft, err := builder.BuildDraft(Request{
			Outputs:        testOutputs(outputs...),
			Amount:         amount,
			Fee:            fee,
			PaymentAddress: testAddress(t, 0xaa),
			ChangeAddress:  testChange(t),
		})

		if total < amount+fee {
			var fundsErr *InsufficientFundsError
			if !errors.As(err, &fundsErr) {
				t.Fatalf("expected insufficient funds, got %v", err)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var sum btcutil.Amount
		for i, in := range draft.Inputs {
			if in.Amount != outputs[i] {
				t.Fatalf("input %d out of order", i)
			}
			sum += in.Amount
		}
		if sum != draft.InputAmount {
			t.Fatalf("input amount %v != sum %v", draft.InputAmount, sum)
		}
		if sum-draft.Inputs[len(draft.Inputs)-1].Amount >= amount+fee {
			t.Fatalf("selected more inputs than needed")
		}
		if draft.Fee() < fee {
			t.Fatalf("fee %v below requested %v", draft.Fee(), fee)
		}
		if draft.HasChange() && draft.ChangeAmount <= dust {
			t.Fatalf("dust change %v", draft.ChangeAmount)
		}
		if !draft.HasChange() && draft.Fee()-fee > dust {
			t.Fatalf("surplus %v above dust not returned",
				draft.Fee()-fee)
		}
	})
}
