package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name
const ServiceName = "transferflow.v1.TransferService"

// TransferServiceServer is the server API for TransferService.
// Messages are google.protobuf.Struct documents; see messages.go for their fields.
type TransferServiceServer interface {
	CreateTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProgress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitChallengeCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResendChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AbandonTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryFinalize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetActiveTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv TransferServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TransferServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TransferServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TransferServiceDesc is the grpc.ServiceDesc for TransferService
var TransferServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransferServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateTransfer", Handler: unaryHandler("CreateTransfer", TransferServiceServer.CreateTransfer)},
		{MethodName: "GetProgress", Handler: unaryHandler("GetProgress", TransferServiceServer.GetProgress)},
		{MethodName: "StartTransfer", Handler: unaryHandler("StartTransfer", TransferServiceServer.StartTransfer)},
		{MethodName: "SubmitChallengeCode", Handler: unaryHandler("SubmitChallengeCode", TransferServiceServer.SubmitChallengeCode)},
		{MethodName: "ResendChallenge", Handler: unaryHandler("ResendChallenge", TransferServiceServer.ResendChallenge)},
		{MethodName: "AbandonTransfer", Handler: unaryHandler("AbandonTransfer", TransferServiceServer.AbandonTransfer)},
		{MethodName: "ResumeTransfer", Handler: unaryHandler("ResumeTransfer", TransferServiceServer.ResumeTransfer)},
		{MethodName: "RetryFinalize", Handler: unaryHandler("RetryFinalize", TransferServiceServer.RetryFinalize)},
		{MethodName: "GetActiveTransfer", Handler: unaryHandler("GetActiveTransfer", TransferServiceServer.GetActiveTransfer)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transferflow/v1/transfer_service.proto",
}

// RegisterTransferServiceServer registers srv on s
func RegisterTransferServiceServer(s grpc.ServiceRegistrar, srv TransferServiceServer) {
	s.RegisterService(&TransferServiceDesc, srv)
}

// TransferServiceClient calls TransferService methods on a connection
type TransferServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTransferServiceClient creates a client over cc
func NewTransferServiceClient(cc grpc.ClientConnInterface) *TransferServiceClient {
	return &TransferServiceClient{cc: cc}
}

// Call invokes method with req and returns the response document
func (c *TransferServiceClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
