package swaps

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOutpoint1 = "0b5b1e3c2f9bd2c1bbf2a9a6e2b4c3d8e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6:0"
	testOutpoint2 = "1c6c2f4d3a0ce3d2ccf3bab7f3c5d4e9f2a1bac9d8e7f6a5b4c3d2e1fa09b8c7:3"
)

func TestUserBalance(t *testing.T) {
	nts := &NextTransactionSize{}
	assert.True(t, nts.UtxoBalance().IsNone())

	_, err := nts.UserBalance()
	assert.ErrorIs(t, err, ErrUnknownBalance)

	nts.SizeProgression = []SizeForAmount{
		{Amount: 1_000, SizeInVByte: 110},
		{Amount: 5_000, SizeInVByte: 178},
	}
	nts.ExpectedDebt = 1_500

	assert.Equal(t, btcutil.Amount(5_000), nts.UtxoBalance().UnwrapOr(0))

	balance, err := nts.UserBalance()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(3_500), balance)

	nts.ExpectedDebt = -1
	_, err = nts.UserBalance()
	var negErr *DebtNegativeError
	require.True(t, errors.As(err, &negErr))
	assert.Equal(t, btcutil.Amount(-1), negErr.Debt)

	nts.ExpectedDebt = 5_001
	_, err = nts.UserBalance()
	var exceedsErr *DebtExceedsBalanceError
	require.True(t, errors.As(err, &exceedsErr))
	assert.Equal(t, btcutil.Amount(5_000), exceedsErr.UtxoBalance)
}

func TestOutpoints(t *testing.T) {
	tests := []struct {
		name      string
		outpoints []string
		want      int
		wantErr   error
	}{
		{
			name:      "all present",
			outpoints: []string{testOutpoint1, testOutpoint2},
			want:      2,
		},
		{
			name:      "none present",
			outpoints: []string{"", uninitializedOutpoint},
		},
		{
			name:      "mixed",
			outpoints: []string{testOutpoint1, uninitializedOutpoint},
			wantErr:   ErrMixedOutpoints,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			nts := &NextTransactionSize{}
			for i, op := range test.outpoints {
				nts.SizeProgression = append(nts.SizeProgression,
					SizeForAmount{
						Amount:   btcutil.Amount(1000 * (i + 1)),
						Outpoint: op,
					})
			}

			outpoints, err := nts.Outpoints()
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, outpoints, test.want)
		})
	}

	nts := &NextTransactionSize{SizeProgression: []SizeForAmount{
		{Amount: 1, Outpoint: "nothex:1"},
	}}
	_, err := nts.Outpoints()
	assert.Error(t, err)
}

func TestNextTransactionSizeFromServer(t *testing.T) {
	payload := `{
		"sizeProgression": [
			{"amountInSat": 2000, "sizeInVByte": 110,
			 "outpoint": "` + testOutpoint1 + `", "status": "confirmed"},
			{"amountInSat": 7000, "sizeInVByte": 178,
			 "outpoint": "` + testOutpoint2 + `", "status": "UNCONFIRMED"}
		],
		"expectedDebtInSat": 500
	}`

	var nts NextTransactionSize
	require.NoError(t, json.Unmarshal([]byte(payload), &nts))

	require.Len(t, nts.SizeProgression, 2)
	assert.Equal(t, UtxoConfirmed, nts.SizeProgression[0].UtxoStatus)
	assert.Equal(t, UtxoUnconfirmed, nts.SizeProgression[1].UtxoStatus)

	balance, err := nts.UserBalance()
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(6_500), balance)

	outpoints, err := nts.Outpoints()
	require.NoError(t, err)
	require.Len(t, outpoints, 2)
	assert.Equal(t, uint32(3), outpoints[1].Index)

	var bad NextTransactionSize
	err = json.Unmarshal(
		[]byte(`{"sizeProgression": [{"status": "spent"}]}`), &bad,
	)
	assert.Error(t, err)
}
