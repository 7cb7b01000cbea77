package rpcserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/netparams"
	"github.com/czh0526/walletcore/securestore"
	"github.com/czh0526/walletcore/snacl"
	"github.com/czh0526/walletcore/swaps"
	"github.com/czh0526/walletcore/walletdb"
	_ "github.com/czh0526/walletcore/walletdb/bdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var params = &netparams.RegtestParams

func startServer(t *testing.T,
	storage fn.Option[*securestore.Storage]) *WalletCoreClient {

	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := NewServer()
	StartWalletCoreService(server, Config{
		Params:        params,
		DustThreshold: fn.Some[btcutil.Amount](546),
		Storage:       storage,
	})
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context,
			_ string) (net.Conn, error) {

			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewWalletCoreClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()

	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "got %v", err)
}

func TestParsePath(t *testing.T) {
	client := startServer(t, fn.None[*securestore.Storage]())
	ctx := testContext(t)

	resp, err := client.ParsePath(ctx, &ParsePathRequest{
		Path: "m/schema:1'/recovery:1'/34/56",
	})
	require.NoError(t, err)
	assert.Equal(t, "m/1'/1'/34/56", resp.Canonical)
	assert.Equal(t, "m/schema:1'/recovery:1'/34/56", resp.Labeled)
	assert.Equal(t, 4, resp.Depth)
	assert.True(t, resp.Absolute)

	_, err = client.ParsePath(ctx, &ParsePathRequest{Path: "m/"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestDerivePublicKey(t *testing.T) {
	client := startServer(t, fn.None[*securestore.Storage]())
	ctx := testContext(t)

	master, err := key.NewMasterPrivateKey(bytes.Repeat([]byte{3}, 32), params)
	require.NoError(t, err)
	want, err := master.PublicKey().DeriveToString("m/1/2")
	require.NoError(t, err)

	resp, err := client.DerivePublicKey(ctx, &DerivePublicKeyRequest{
		ExtendedKey: master.PublicKey().Serialize(),
		KeyPath:     "m",
		DerivePath:  "m/1/2",
	})
	require.NoError(t, err)
	assert.Equal(t, want.Serialize(), resp.ExtendedKey)
	assert.Equal(t, hex.EncodeToString(want.Raw()), resp.PublicKey)
	assert.Equal(t, "m/1/2", resp.Path)

	_, err = client.DerivePublicKey(ctx, &DerivePublicKeyRequest{
		ExtendedKey: master.PublicKey().Serialize(),
		KeyPath:     "m",
		DerivePath:  "m/1'",
	})
	requireCode(t, err, codes.InvalidArgument)
}

func testAddress(t *testing.T, b byte) string {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{b}, 20), params.Params,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestBuildWithdrawal(t *testing.T) {
	client := startServer(t, fn.None[*securestore.Storage]())
	ctx := testContext(t)

	pkScript, err := txscript.NewScriptBuilder().AddOp(txscript.OP_TRUE).Script()
	require.NoError(t, err)

	outputs := []WithdrawalOutput{
		{
			Outpoint: "0b5b1e3c2f9bd2c1bbf2a9a6e2b4c3d8e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6:0",
			Amount:   30_000,
			PkScript: hex.EncodeToString(pkScript),
			Path:     "m/schema:1'/recovery:1'/external:1/0",
		},
		{
			Outpoint: "1c6c2f4d3a0ce3d2ccf3bab7f3c5d4e9f2a1bac9d8e7f6a5b4c3d2e1fa09b8c7:1",
			Amount:   20_000,
			PkScript: hex.EncodeToString(pkScript),
			Path:     "m/schema:1'/recovery:1'/external:1/1",
		},
	}

	resp, err := client.BuildWithdrawal(ctx, &BuildWithdrawalRequest{
		Outputs:        outputs,
		Amount:         40_000,
		Fee:            1_000,
		PaymentAddress: testAddress(t, 0xaa),
		ChangeAddress:  testAddress(t, 0xcc),
		ChangePath:     "m/schema:1'/recovery:1'/change:1/0",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Inputs, 2)
	assert.Equal(t, int64(9_000), resp.ChangeAmount)
	assert.Equal(t, int64(1_000), resp.Fee)
	assert.NotEmpty(t, resp.UnsignedTx)

	_, err = client.BuildWithdrawal(ctx, &BuildWithdrawalRequest{
		Outputs:        outputs[:1],
		Amount:         40_000,
		Fee:            1_000,
		PaymentAddress: testAddress(t, 0xaa),
	})
	requireCode(t, err, codes.FailedPrecondition)

	mainnetAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{1}, 20), netparams.MainNetParams.Params,
	)
	require.NoError(t, err)
	_, err = client.BuildWithdrawal(ctx, &BuildWithdrawalRequest{
		Outputs:        outputs,
		Amount:         1_000,
		PaymentAddress: mainnetAddr.EncodeAddress(),
	})
	requireCode(t, err, codes.InvalidArgument)
}

func TestComputeSwapFees(t *testing.T) {
	client := startServer(t, fn.None[*securestore.Storage]())
	ctx := testContext(t)

	resp, err := client.ComputeSwapFees(ctx, &ComputeSwapFeesRequest{
		Amount: 50,
		Routes: []swaps.RouteFees{{
			MaxCapacity:              100_000,
			FeeProportionalMillionth: 1,
			FeeBase:                  10,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, swaps.DebtNone, resp.Fees.DebtType)
	assert.Equal(t, btcutil.Amount(546), resp.Fees.OutputAmount)
	assert.Equal(t, int64(496), resp.TotalFees)

	_, err = client.ComputeSwapFees(ctx, &ComputeSwapFeesRequest{
		Amount: 50,
	})
	requireCode(t, err, codes.InvalidArgument)
}

func TestNextTransactionSize(t *testing.T) {
	client := startServer(t, fn.None[*securestore.Storage]())
	ctx := testContext(t)

	resp, err := client.NextTransactionSize(ctx,
		&NextTransactionSizeRequest{})
	require.NoError(t, err)
	assert.Nil(t, resp.UtxoBalance)
	assert.Nil(t, resp.UserBalance)

	resp, err = client.NextTransactionSize(ctx, &NextTransactionSizeRequest{
		NextTransactionSize: swaps.NextTransactionSize{
			SizeProgression: []swaps.SizeForAmount{
				{Amount: 3_000, SizeInVByte: 110},
			},
			ExpectedDebt: 1_000,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.UtxoBalance)
	assert.Equal(t, int64(3_000), *resp.UtxoBalance)
	assert.Equal(t, int64(2_000), *resp.UserBalance)

	_, err = client.NextTransactionSize(ctx, &NextTransactionSizeRequest{
		NextTransactionSize: swaps.NextTransactionSize{ExpectedDebt: -5},
	})
	requireCode(t, err, codes.FailedPrecondition)
}

func TestSecureStorage(t *testing.T) {
	ctx := testContext(t)

	_, err := startServer(t, fn.None[*securestore.Storage]()).Get(
		ctx, &GetRequest{Key: "pin"},
	)
	requireCode(t, err, codes.Unavailable)

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "core.db"), true,
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ks, err := securestore.OpenSoftwareKeystore(
		db, []byte("pass"), snacl.FastScryptOptions, 0,
	)
	require.NoError(t, err)

	storage, err := securestore.New(securestore.Config{
		DB:       db,
		Keystore: ks,
		Mode:     securestore.JMode,
	})
	require.NoError(t, err)

	client := startServer(t, fn.Some(storage))

	_, err = client.Save(ctx, &SaveRequest{Key: "pin", Value: []byte("1234")})
	require.NoError(t, err)

	resp, err := client.Get(ctx, &GetRequest{Key: "pin"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), resp.Value)

	_, err = client.Delete(ctx, &DeleteRequest{Key: "pin"})
	require.NoError(t, err)

	_, err = client.Get(ctx, &GetRequest{Key: "pin"})
	requireCode(t, err, codes.NotFound)

	_, err = client.Save(ctx, &SaveRequest{Value: []byte("x")})
	requireCode(t, err, codes.InvalidArgument)
}
