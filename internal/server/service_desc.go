package server

import (
	"context"

	"google.golang.org/grpc"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("CanProvision", (*Server).CanProvision),
		unary("Provision", (*Server).Provision),
		unary("ListNodes", (*Server).ListNodes),
		unary("RemoveNode", (*Server).RemoveNode),
		unary("SetIdle", (*Server).SetIdle),
		unary("ListServers", (*Server).ListServers),
		unary("ListOptions", (*Server).ListOptions),
		unary("Decommission", (*Server).Decommission),
		unary("ListPending", (*Server).ListPending),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "buildswarm",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary adapts a typed Server method to a gRPC method handler
func unary[Req, Resp any](name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}
