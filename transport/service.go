package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName   = "gms.Membership"
	deliverMethod = "/gms.Membership/Deliver"
)

// Envelope carries one encoded protocol message
type Envelope struct {
	Payload []byte `msgpack:"p"`
}

// DeliverReply acknowledges a delivered envelope
type DeliverReply struct{}

// MembershipServer is the server side of the membership service
type MembershipServer interface {
	Deliver(ctx context.Context, in *Envelope) (*DeliverReply, error)
}

// RegisterMembershipServer registers srv with a gRPC server
func RegisterMembershipServer(s grpc.ServiceRegistrar, srv MembershipServer) {
	s.RegisterService(&membershipServiceDesc, srv)
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gms/membership",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MembershipServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MembershipServer).Deliver(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}
