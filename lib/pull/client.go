// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pull

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/syncerror"
)

// Client opens pull streams against a relay.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
	logger *slog.Logger
}

// DialOptions configures Dial.
type DialOptions struct {
	// Insecure disables TLS. Only for local relays and tests.
	Insecure bool

	// MaxMessageBytes raises the receive limit for a single batch
	// when non-zero.
	MaxMessageBytes int

	Logger *slog.Logger
}

// Dial creates a client for the relay at target. The connection is
// established lazily on the first pull.
func Dial(target string, options DialOptions) (*Client, error) {
	var transportCredentials credentials.TransportCredentials
	if options.Insecure {
		transportCredentials = insecure.NewCredentials()
	} else {
		transportCredentials = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialOptions := []grpc.DialOption{grpc.WithTransportCredentials(transportCredentials)}
	if options.MaxMessageBytes > 0 {
		dialOptions = append(dialOptions, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(options.MaxMessageBytes),
		))
	}

	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating relay client for %s: %w", target, err)
	}
	client := NewClient(conn, options.Logger)
	client.closer = conn
	return client, nil
}

// NewClient wraps an existing connection. The caller keeps ownership
// of conn; Close does not close it.
func NewClient(conn grpc.ClientConnInterface, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{conn: conn, logger: logger}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Pull opens a stream of message batches newer than request's start
// times. The stream must be closed by the caller.
func (c *Client) Pull(ctx context.Context, request Request) (*Stream, error) {
	body, err := EncodeRequest(request)
	if err != nil {
		return nil, syncerror.New(syncerror.Serialization, "encoding pull request", err)
	}

	streamContext, cancel := context.WithCancel(ctx)
	stream, err := openPullStream(streamContext, c.conn, wrapperspb.Bytes(body))
	if err != nil {
		cancel()
		return nil, classifyRPC("opening pull stream", err)
	}
	c.logger.Debug("pull stream opened",
		"group", request.Group,
		"known_devices", len(request.StartTimes),
	)
	return &Stream{stream: stream, cancel: cancel}, nil
}

// Stream is an open pull. Next must not be called concurrently.
type Stream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Next returns the next batch of descriptors. It returns io.EOF when
// the relay ends the stream. An empty batch means the relay has
// nothing newer; receivers stop consuming there.
func (s *Stream) Next() ([]MessageDescriptor, error) {
	message := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(message); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, classifyRPC("receiving pull batch", err)
	}

	var response Response
	if err := codec.Unmarshal(message.GetValue(), &response); err != nil {
		return nil, syncerror.New(syncerror.Serialization, "decoding pull batch", err)
	}
	if response.Error != "" {
		return nil, syncerror.New(syncerror.Protocol, "receiving pull batch",
			&syncerror.RemoteError{Message: response.Error})
	}
	for i := range response.Messages {
		if err := response.Messages[i].Validate(); err != nil {
			return nil, syncerror.New(syncerror.Protocol,
				fmt.Sprintf("validating message %d of pull batch", i), err)
		}
	}
	return response.Messages, nil
}

// Close cancels the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
}

func classifyRPC(op string, err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return syncerror.New(syncerror.Auth, op, err)
	default:
		return syncerror.New(syncerror.Transport, op, err)
	}
}
