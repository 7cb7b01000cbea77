package rpcserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/czh0526/walletcore/hdpath"
	"github.com/czh0526/walletcore/key"
	"github.com/czh0526/walletcore/netparams"
	"github.com/czh0526/walletcore/securestore"
	"github.com/czh0526/walletcore/swaps"
	"github.com/czh0526/walletcore/withdrawal"
	"github.com/lightningnetwork/lnd/fn/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config holds what the WalletCore service is served from.
type Config struct {
	Params *netparams.Params

	// DustThreshold is handed to the withdrawal builder. None keeps the
	// builder's default.
	DustThreshold fn.Option[btcutil.Amount]

	// Storage backs Save, Get and Delete. Without one those methods
	// answer Unavailable.
	Storage fn.Option[*securestore.Storage]
}

type walletCoreServer struct {
	cfg     Config
	builder *withdrawal.Builder
}

var _ WalletCoreServer = (*walletCoreServer)(nil)

// NewServer returns a gRPC server speaking the WalletCore JSON codec, with
// request logging and panic recovery.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(
			loggingInterceptor, recoverInterceptor,
		),
	}, opts...)

	return grpc.NewServer(opts...)
}

// StartWalletCoreService registers the WalletCore service on server.
func StartWalletCoreService(server *grpc.Server, cfg Config) {
	service := &walletCoreServer{
		cfg: cfg,
		builder: withdrawal.NewBuilder(withdrawal.Config{
			Params:        cfg.Params,
			DustThreshold: cfg.DustThreshold,
		}),
	}
	RegisterWalletCoreServer(server, service)
}

func loggingInterceptor(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {

	log.Debugf("[%v] request", info.FullMethod)

	resp, err := handler(ctx, req)
	if err != nil {
		log.Debugf("[%v] failed: %v", info.FullMethod, err)
	}

	return resp, err
}

func recoverInterceptor(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (resp interface{}, err error) {

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%v] panic: %v\n%s", info.FullMethod, r,
				debug.Stack())
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()

	return handler(ctx, req)
}

func invalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// rpcError maps domain errors to status codes.
func rpcError(err error) error {
	var (
		fundsErr   *withdrawal.InsufficientFundsError
		modeErr    *securestore.ModeInconsistentError
		storageErr *securestore.StorageError
		debtErr    *swaps.DebtNegativeError
		balanceErr *swaps.DebtExceedsBalanceError
	)

	switch {
	case errors.As(err, &fundsErr), errors.As(err, &modeErr),
		errors.As(err, &debtErr), errors.As(err, &balanceErr):

		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, &storageErr):
		if storageErr.Kind == securestore.NoSuchElement {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.DataLoss, err.Error())

	case errors.Is(err, withdrawal.ErrInvalidAmount),
		errors.Is(err, withdrawal.ErrNoChangeAddress),
		errors.Is(err, withdrawal.ErrWrongNetwork),
		errors.Is(err, swaps.ErrNoRoutes),
		errors.Is(err, swaps.ErrNegativeAmount),
		errors.Is(err, securestore.ErrInvalidLabel),
		errors.Is(err, securestore.ErrInputTooLarge):

		return status.Error(codes.InvalidArgument, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *walletCoreServer) ParsePath(_ context.Context,
	req *ParsePathRequest) (*ParsePathResponse, error) {

	path, err := hdpath.Parse(req.Path)
	if err != nil {
		return nil, invalidArgument("%v", err)
	}

	return &ParsePathResponse{
		Canonical: path.Canonical(),
		Labeled:   path.String(),
		Depth:     path.Depth(),
		Absolute:  path.IsAbsolute(),
	}, nil
}

func (s *walletCoreServer) DerivePublicKey(_ context.Context,
	req *DerivePublicKeyRequest) (*DerivePublicKeyResponse, error) {

	pubKey, err := key.DeserializePublicKey(
		req.KeyPath, req.ExtendedKey, s.cfg.Params,
	)
	if err != nil {
		return nil, invalidArgument("%v", err)
	}

	derived, err := pubKey.DeriveToString(req.DerivePath)
	if err != nil {
		return nil, invalidArgument("%v", err)
	}

	return &DerivePublicKeyResponse{
		ExtendedKey: derived.Serialize(),
		PublicKey:   hex.EncodeToString(derived.Raw()),
		Path:        derived.Path().String(),
	}, nil
}

func (s *walletCoreServer) BuildWithdrawal(_ context.Context,
	req *BuildWithdrawalRequest) (*BuildWithdrawalResponse, error) {

	outputs := make([]withdrawal.Output, 0, len(req.Outputs))
	for i, out := range req.Outputs {
		output, err := parseOutput(out)
		if err != nil {
			return nil, invalidArgument("output %d: %v", i, err)
		}
		outputs = append(outputs, output)
	}

	paymentAddress, err := s.builder.DecodeAddress(req.PaymentAddress)
	if err != nil {
		return nil, invalidArgument("payment address: %v", err)
	}

	change := fn.None[withdrawal.ChangeAddress]()
	if req.ChangeAddress != "" {
		address, err := s.builder.DecodeAddress(req.ChangeAddress)
		if err != nil {
			return nil, invalidArgument("change address: %v", err)
		}
		path, err := hdpath.Parse(req.ChangePath)
		if err != nil {
			return nil, invalidArgument("change path: %v", err)
		}
		change = fn.Some(withdrawal.ChangeAddress{
			Address: address,
			Path:    path,
		})
	}

	draft, err := s.builder.BuildDraft(withdrawal.Request{
		Outputs:        outputs,
		Amount:         btcutil.Amount(req.Amount),
		Fee:            btcutil.Amount(req.Fee),
		PaymentAddress: paymentAddress,
		ChangeAddress:  change,
	})
	if err != nil {
		return nil, rpcError(err)
	}

	var buf bytes.Buffer
	if err := draft.UnsignedTx.Serialize(&buf); err != nil {
		return nil, rpcError(err)
	}

	inputs := make([]string, len(draft.Inputs))
	for i, input := range draft.Inputs {
		inputs[i] = input.OutPoint.String()
	}

	return &BuildWithdrawalResponse{
		Inputs:       inputs,
		ChangeAmount: int64(draft.ChangeAmount),
		Fee:          int64(draft.Fee()),
		UnsignedTx:   hex.EncodeToString(buf.Bytes()),
	}, nil
}

func parseOutput(out WithdrawalOutput) (withdrawal.Output, error) {
	outpoint, err := wire.NewOutPointFromString(out.Outpoint)
	if err != nil {
		return withdrawal.Output{}, err
	}

	pkScript, err := hex.DecodeString(out.PkScript)
	if err != nil {
		return withdrawal.Output{}, fmt.Errorf("pkScript: %w", err)
	}

	path, err := hdpath.Parse(out.Path)
	if err != nil {
		return withdrawal.Output{}, err
	}

	return withdrawal.Output{
		OutPoint: *outpoint,
		Amount:   btcutil.Amount(out.Amount),
		PkScript: pkScript,
		Path:     path,
	}, nil
}

func (s *walletCoreServer) ComputeSwapFees(_ context.Context,
	req *ComputeSwapFeesRequest) (*ComputeSwapFeesResponse, error) {

	fees, err := swaps.ComputeSwapFees(
		btcutil.Amount(req.Amount), req.Routes, req.Policies,
		req.TakeFeeFromAmount,
	)
	if err != nil {
		return nil, rpcError(err)
	}

	return &ComputeSwapFeesResponse{
		Fees:      *fees,
		TotalFees: int64(fees.TotalFees()),
	}, nil
}

func (s *walletCoreServer) NextTransactionSize(_ context.Context,
	req *NextTransactionSizeRequest) (*NextTransactionSizeResponse, error) {

	nts := &req.NextTransactionSize
	resp := &NextTransactionSizeResponse{}

	userBalance, err := nts.UserBalance()
	switch {
	case errors.Is(err, swaps.ErrUnknownBalance):
		// Balances stay absent until utxos are known.

	case err != nil:
		return nil, rpcError(err)

	default:
		utxoBalance := int64(nts.UtxoBalance().UnsafeFromSome())
		balance := int64(userBalance)
		resp.UtxoBalance = &utxoBalance
		resp.UserBalance = &balance
	}

	outpoints, err := nts.Outpoints()
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	for _, op := range outpoints {
		resp.Outpoints = append(resp.Outpoints, op.String())
	}

	return resp, nil
}

func (s *walletCoreServer) storage() (*securestore.Storage, error) {
	return s.cfg.Storage.UnwrapOrErr(
		status.Error(codes.Unavailable, "secure storage is not enabled"),
	)
}

func (s *walletCoreServer) Save(_ context.Context,
	req *SaveRequest) (*SaveResponse, error) {

	storage, err := s.storage()
	if err != nil {
		return nil, err
	}

	if err := storage.Put(req.Key, req.Value); err != nil {
		return nil, rpcError(err)
	}

	return &SaveResponse{}, nil
}

func (s *walletCoreServer) Get(_ context.Context,
	req *GetRequest) (*GetResponse, error) {

	storage, err := s.storage()
	if err != nil {
		return nil, err
	}

	value, err := storage.Get(req.Key)
	if err != nil {
		return nil, rpcError(err)
	}

	return &GetResponse{Value: value}, nil
}

func (s *walletCoreServer) Delete(_ context.Context,
	req *DeleteRequest) (*DeleteResponse, error) {

	storage, err := s.storage()
	if err != nil {
		return nil, err
	}

	if err := storage.Delete(req.Key); err != nil {
		return nil, rpcError(err)
	}

	return &DeleteResponse{}, nil
}
