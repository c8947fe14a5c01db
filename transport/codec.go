package transport

import (
	gmsencoding "github.com/maxpert/gms/encoding"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of membership traffic
const codecName = "msgpack"

// msgpackCodec lets gRPC carry plain Go structs encoded with msgpack
type msgpackCodec struct{}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return gmsencoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return gmsencoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}
