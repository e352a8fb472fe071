// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The Messages service is described by hand around protobuf
// well-known wrapper types. Request and response bodies are CBOR
// carried in BytesValue, so no protoc step exists anywhere in the
// build.

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cloudsync.sync.v1.Messages"

// PullMethod is the full method path of the server-streaming pull RPC.
const PullMethod = "/" + ServiceName + "/Pull"

// MessagesServer is the relay side of the Messages service.
type MessagesServer interface {
	Pull(*wrapperspb.BytesValue, MessagesPullServer) error
}

// MessagesPullServer is the server half of one pull stream.
type MessagesPullServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

// UnimplementedMessagesServer can be embedded for forward compatible
// implementations.
type UnimplementedMessagesServer struct{}

func (UnimplementedMessagesServer) Pull(*wrapperspb.BytesValue, MessagesPullServer) error {
	return status.Error(codes.Unimplemented, "method Pull not implemented")
}

// RegisterMessagesServer registers the Messages service on a gRPC
// server.
func RegisterMessagesServer(registrar grpc.ServiceRegistrar, server MessagesServer) {
	registrar.RegisterService(&MessagesServiceDesc, server)
}

type messagesPullServer struct {
	grpc.ServerStream
}

func (s *messagesPullServer) Send(message *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(message)
}

func pullHandler(server any, stream grpc.ServerStream) error {
	request := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return server.(MessagesServer).Pull(request, &messagesPullServer{stream})
}

// MessagesServiceDesc is the grpc.ServiceDesc for the Messages service.
var MessagesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagesServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Pull",
			Handler:       pullHandler,
			ServerStreams: true,
		},
	},
	Metadata: "cloudsync/sync/v1/messages.proto",
}

// openPullStream starts a Pull call on conn and sends the single
// request message.
func openPullStream(ctx context.Context, conn grpc.ClientConnInterface, request *wrapperspb.BytesValue, options ...grpc.CallOption) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, &MessagesServiceDesc.Streams[0], PullMethod, options...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(request); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
