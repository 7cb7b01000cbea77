package swaps

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHtlc(t *testing.T, pkScripts ...[]byte) IncomingSwapHtlc {
	t.Helper()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	for _, pkScript := range pkScripts {
		tx.AddTxOut(wire.NewTxOut(10_000, pkScript))
	}

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	_, serverKey := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{8}, 32))

	return IncomingSwapHtlc{
		HtlcTx:              buf.Bytes(),
		ExpirationHeight:    800_000,
		SwapServerPublicKey: serverKey.SerializeCompressed(),
	}
}

func TestIncomingSwap(t *testing.T) {
	preimage := lntypes.Preimage{42}
	htlcScript := bytes.Repeat([]byte{0xaa}, 34)

	swap := &IncomingSwap{
		PaymentHash: preimage.Hash(),
		Htlc: fn.Some(testHtlc(
			t, bytes.Repeat([]byte{0xbb}, 22), htlcScript,
		)),
		PaymentAmount: 10_000,
		Collect:       50,
	}

	require.NoError(t, swap.Validate(fn.None[btcutil.Amount]()))
	require.NoError(t, swap.Validate(fn.Some(btcutil.Amount(9_000))))
	assert.False(t, swap.IsFullDebt())

	err := swap.Validate(fn.Some(btcutil.Amount(10_001)))
	assert.ErrorIs(t, err, ErrInvalidIncomingSwap)

	assert.Equal(t, lnwire.MilliSatoshi(10_000_000),
		swap.ExpectedAmount(9_950))

	htlc := swap.Htlc.UnsafeFromSome()
	index, err := htlc.OutputIndex(htlcScript)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), index)

	_, err = htlc.OutputIndex([]byte{0x51})
	assert.ErrorIs(t, err, ErrInvalidIncomingSwap)

	assert.NoError(t, swap.VerifyPreimage(preimage))
	assert.ErrorIs(t, swap.VerifyPreimage(lntypes.Preimage{43}),
		ErrPreimageMismatch)
}

func TestIncomingSwapRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *IncomingSwap)
	}{
		{
			name:   "zero payment",
			mutate: func(s *IncomingSwap) { s.PaymentAmount = 0 },
		},
		{
			name:   "negative collect",
			mutate: func(s *IncomingSwap) { s.Collect = -1 },
		},
		{
			name:   "collect above payment",
			mutate: func(s *IncomingSwap) { s.Collect = 5_001 },
		},
		{
			name: "bad server key",
			mutate: func(s *IncomingSwap) {
				htlc := s.Htlc.UnsafeFromSome()
				htlc.SwapServerPublicKey = []byte{2, 1}
				s.Htlc = fn.Some(htlc)
			},
		},
		{
			name: "truncated htlc tx",
			mutate: func(s *IncomingSwap) {
				htlc := s.Htlc.UnsafeFromSome()
				htlc.HtlcTx = htlc.HtlcTx[:10]
				s.Htlc = fn.Some(htlc)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			swap := &IncomingSwap{
				Htlc:          fn.Some(testHtlc(t, []byte{0x51})),
				PaymentAmount: 5_000,
			}
			test.mutate(swap)

			err := swap.Validate(fn.None[btcutil.Amount]())
			assert.ErrorIs(t, err, ErrInvalidIncomingSwap)
		})
	}
}

func TestFullDebtIncomingSwap(t *testing.T) {
	preimage := lntypes.Preimage{1}
	swap := &IncomingSwap{
		PaymentHash:   preimage.Hash(),
		PaymentAmount: 1_000,
	}

	assert.True(t, swap.IsFullDebt())
	assert.NoError(t, swap.Validate(fn.Some(btcutil.Amount(1_000))))
}
