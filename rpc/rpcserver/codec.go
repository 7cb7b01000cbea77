package rpcserver

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype of WalletCore messages.
const codecName = "json"

// Codec carries WalletCore messages as JSON. Clients must force it with
// grpc.ForceCodec, as the messages are not protobufs.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal encodes v as JSON.
func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func (Codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Name returns the codec name registered with gRPC.
func (Codec) Name() string {
	return codecName
}
