package rpcserver

import (
	"context"

	"github.com/czh0526/walletcore/swaps"
	"google.golang.org/grpc"
)

const serviceName = "walletcore.WalletCore"

// ParsePathRequest carries a derivation path in any accepted notation.
type ParsePathRequest struct {
	Path string `json:"path"`
}

// ParsePathResponse describes a parsed path.
type ParsePathResponse struct {
	Canonical string `json:"canonical"`
	Labeled   string `json:"labeled"`
	Depth     int    `json:"depth"`
	Absolute  bool   `json:"absolute"`
}

// DerivePublicKeyRequest derives the extended public key at KeyPath down to
// DerivePath.
type DerivePublicKeyRequest struct {
	ExtendedKey string `json:"extendedKey"`
	KeyPath     string `json:"keyPath"`
	DerivePath  string `json:"derivePath"`
}

// DerivePublicKeyResponse holds the derived key, extended and raw hex.
type DerivePublicKeyResponse struct {
	ExtendedKey string `json:"extendedKey"`
	PublicKey   string `json:"publicKey"`
	Path        string `json:"path"`
}

// WithdrawalOutput is a spendable output. Outpoint is txid:index and
// PkScript is hex.
type WithdrawalOutput struct {
	Outpoint string `json:"outpoint"`
	Amount   int64  `json:"amountInSat"`
	PkScript string `json:"pkScript"`
	Path     string `json:"path"`
}

// BuildWithdrawalRequest is a withdrawal.Request with amounts in satoshis
// and addresses encoded.
type BuildWithdrawalRequest struct {
	Outputs        []WithdrawalOutput `json:"outputs"`
	Amount         int64              `json:"amountInSat"`
	Fee            int64              `json:"feeInSat"`
	PaymentAddress string             `json:"paymentAddress"`
	ChangeAddress  string             `json:"changeAddress,omitempty"`
	ChangePath     string             `json:"changePath,omitempty"`
}

// BuildWithdrawalResponse summarizes the draft. UnsignedTx is the hex
// serialized transaction.
type BuildWithdrawalResponse struct {
	Inputs       []string `json:"inputs"`
	ChangeAmount int64    `json:"changeInSat"`
	Fee          int64    `json:"feeInSat"`
	UnsignedTx   string   `json:"unsignedTx"`
}

// ComputeSwapFeesRequest holds the inputs of swaps.ComputeSwapFees.
type ComputeSwapFeesRequest struct {
	Amount            int64                       `json:"amountInSat"`
	Routes            []swaps.RouteFees           `json:"routes"`
	Policies          swaps.FundingOutputPolicies `json:"policies"`
	TakeFeeFromAmount bool                        `json:"takeFeeFromAmount"`
}

// ComputeSwapFeesResponse holds the computed fees and their total.
type ComputeSwapFeesResponse struct {
	Fees      swaps.SwapFees `json:"fees"`
	TotalFees int64          `json:"totalFeesInSat"`
}

// NextTransactionSizeRequest carries the size progression sent by the
// server.
type NextTransactionSizeRequest struct {
	NextTransactionSize swaps.NextTransactionSize `json:"nextTransactionSize"`
}

// NextTransactionSizeResponse holds the balances derived from the size
// progression.
type NextTransactionSizeResponse struct {
	// UtxoBalance is absent while the wallet has no known utxos.
	UtxoBalance *int64   `json:"utxoBalanceInSat,omitempty"`
	UserBalance *int64   `json:"userBalanceInSat,omitempty"`
	Outpoints   []string `json:"outpoints"`
}

// SaveRequest stores Value under Key in secure storage.
type SaveRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// SaveResponse is empty.
type SaveResponse struct{}

// GetRequest reads the value stored under Key.
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse holds the stored value.
type GetResponse struct {
	Value []byte `json:"value"`
}

// DeleteRequest removes the value stored under Key.
type DeleteRequest struct {
	Key string `json:"key"`
}

// DeleteResponse is empty.
type DeleteResponse struct{}

// WalletCoreServer is the server API of the WalletCore service.
type WalletCoreServer interface {
	ParsePath(context.Context, *ParsePathRequest) (*ParsePathResponse,
		error)
	DerivePublicKey(context.Context,
		*DerivePublicKeyRequest) (*DerivePublicKeyResponse, error)
	BuildWithdrawal(context.Context,
		*BuildWithdrawalRequest) (*BuildWithdrawalResponse, error)
	ComputeSwapFees(context.Context,
		*ComputeSwapFeesRequest) (*ComputeSwapFeesResponse, error)
	NextTransactionSize(context.Context,
		*NextTransactionSizeRequest) (*NextTransactionSizeResponse, error)
	Save(context.Context, *SaveRequest) (*SaveResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
}

// unaryHandler adapts a typed method to a grpc.MethodDesc handler.
func unaryHandler[Req, Resp any](name string,
	call func(WalletCoreServer, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context,
			dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}

			server := srv.(WalletCoreServer)
			if interceptor == nil {
				return call(server, ctx, req)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}
			handler := func(ctx context.Context,
				req interface{}) (interface{}, error) {

				return call(server, ctx, req.(*Req))
			}

			return interceptor(ctx, req, info, handler)
		},
	}
}

var walletCoreServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WalletCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ParsePath", WalletCoreServer.ParsePath),
		unaryHandler("DerivePublicKey", WalletCoreServer.DerivePublicKey),
		unaryHandler("BuildWithdrawal", WalletCoreServer.BuildWithdrawal),
		unaryHandler("ComputeSwapFees", WalletCoreServer.ComputeSwapFees),
		unaryHandler(
			"NextTransactionSize", WalletCoreServer.NextTransactionSize,
		),
		unaryHandler("Save", WalletCoreServer.Save),
		unaryHandler("Get", WalletCoreServer.Get),
		unaryHandler("Delete", WalletCoreServer.Delete),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walletcore.json",
}

// RegisterWalletCoreServer registers srv on s.
func RegisterWalletCoreServer(s grpc.ServiceRegistrar, srv WalletCoreServer) {
	s.RegisterService(&walletCoreServiceDesc, srv)
}

// WalletCoreClient calls a WalletCore service.
type WalletCoreClient struct {
	conn grpc.ClientConnInterface
}

// NewWalletCoreClient returns a client over conn.
func NewWalletCoreClient(conn grpc.ClientConnInterface) *WalletCoreClient {
	return &WalletCoreClient{conn: conn}
}

func invoke[Req, Resp any](ctx context.Context, c *WalletCoreClient,
	method string, req *Req, opts ...grpc.CallOption) (*Resp, error) {

	resp := new(Resp)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	err := c.conn.Invoke(
		ctx, "/"+serviceName+"/"+method, req, resp, opts...,
	)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *WalletCoreClient) ParsePath(ctx context.Context,
	req *ParsePathRequest, opts ...grpc.CallOption) (*ParsePathResponse,
	error) {

	return invoke[ParsePathRequest, ParsePathResponse](
		ctx, c, "ParsePath", req, opts...,
	)
}

func (c *WalletCoreClient) DerivePublicKey(ctx context.Context,
	req *DerivePublicKeyRequest,
	opts ...grpc.CallOption) (*DerivePublicKeyResponse, error) {

	return invoke[DerivePublicKeyRequest, DerivePublicKeyResponse](
		ctx, c, "DerivePublicKey", req, opts...,
	)
}

func (c *WalletCoreClient) BuildWithdrawal(ctx context.Context,
	req *BuildWithdrawalRequest,
	opts ...grpc.CallOption) (*BuildWithdrawalResponse, error) {

	return invoke[BuildWithdrawalRequest, BuildWithdrawalResponse](
		ctx, c, "BuildWithdrawal", req, opts...,
	)
}

func (c *WalletCoreClient) ComputeSwapFees(ctx context.Context,
	req *ComputeSwapFeesRequest,
	opts ...grpc.CallOption) (*ComputeSwapFeesResponse, error) {

	return invoke[ComputeSwapFeesRequest, ComputeSwapFeesResponse](
		ctx, c, "ComputeSwapFees", req, opts...,
	)
}

func (c *WalletCoreClient) NextTransactionSize(ctx context.Context,
	req *NextTransactionSizeRequest,
	opts ...grpc.CallOption) (*NextTransactionSizeResponse, error) {

	return invoke[NextTransactionSizeRequest, NextTransactionSizeResponse](
		ctx, c, "NextTransactionSize", req, opts...,
	)
}

func (c *WalletCoreClient) Save(ctx context.Context, req *SaveRequest,
	opts ...grpc.CallOption) (*SaveResponse, error) {

	return invoke[SaveRequest, SaveResponse](ctx, c, "Save", req, opts...)
}

func (c *WalletCoreClient) Get(ctx context.Context, req *GetRequest,
	opts ...grpc.CallOption) (*GetResponse, error) {

	return invoke[GetRequest, GetResponse](ctx, c, "Get", req, opts...)
}

func (c *WalletCoreClient) Delete(ctx context.Context, req *DeleteRequest,
	opts ...grpc.CallOption) (*DeleteResponse, error) {

	return invoke[DeleteRequest, DeleteResponse](
		ctx, c, "Delete", req, opts...,
	)
}
