// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pulltest runs an in-memory relay for tests: a Messages gRPC
// service over bufconn and an HTTP server for the encrypted blobs its
// descriptors point at.
//
//	relay := pulltest.NewRelay(t)
//	relay.Publish(group, descriptor, ciphertext, pulltest.BlobOptions{})
//	client := pull.NewClient(relay.Conn(), nil)
package pulltest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
	"github.com/bureau-foundation/cloudsync/lib/pull"
)

// BlobOptions controls how a published blob is served.
type BlobOptions struct {
	// UnknownLength omits Content-Length; the body is sent chunked.
	UnknownLength bool

	// ChunkSize splits the body into writes of this many bytes,
	// flushed individually. Zero writes the body at once.
	ChunkSize int

	// StatusCode overrides the response status. Zero means 200.
	StatusCode int
}

type blob struct {
	data    []byte
	options BlobOptions
}

type published struct {
	group      crdt.GroupID
	descriptor pull.MessageDescriptor
}

// Relay is an in-memory relay. All methods are safe for concurrent
// use.
type Relay struct {
	// BatchSize is the number of descriptors per streamed batch.
	// Defaults to 100.
	BatchSize int

	mu          sync.Mutex
	token       string
	messages    []published
	blobs       map[string]blob
	pendingErr  string
	pendingCode codes.Code
	requests    []pull.Request
	downloads   map[string]int

	listener   *bufconn.Listener
	grpcServer *grpc.Server
	httpServer *httptest.Server
	conn       *grpc.ClientConn
}

// NewRelay starts a relay. Everything is torn down by t.Cleanup.
func NewRelay(t testing.TB) *Relay {
	t.Helper()

	relay := &Relay{
		BatchSize: 100,
		blobs:     make(map[string]blob),
		downloads: make(map[string]int),
	}

	relay.httpServer = httptest.NewServer(http.HandlerFunc(relay.serveBlob))
	t.Cleanup(relay.httpServer.Close)

	relay.listener = bufconn.Listen(1 << 20)
	relay.grpcServer = grpc.NewServer()
	pull.RegisterMessagesServer(relay.grpcServer, &messagesServer{relay: relay})
	go func() {
		_ = relay.grpcServer.Serve(relay.listener)
	}()
	t.Cleanup(relay.grpcServer.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return relay.listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("creating bufconn client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	relay.conn = conn

	return relay
}

// Conn returns a client connection to the relay's Messages service.
func (r *Relay) Conn() *grpc.ClientConn { return r.conn }

// HTTPClient returns a client for the blob server.
func (r *Relay) HTTPClient() *http.Client { return r.httpServer.Client() }

// RequireToken makes every pull that does not carry token fail with
// Unauthenticated.
func (r *Relay) RequireToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// FailNextPull makes the next pull report an in-band error message
// instead of batches.
func (r *Relay) FailNextPull(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingErr = message
}

// RejectNextPull makes the next pull fail with a gRPC status.
func (r *Relay) RejectNextPull(code codes.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingCode = code
}

// Publish stores ciphertext and adds descriptor to group's message
// list. The descriptor's DownloadURL is replaced with the blob URL,
// and the completed descriptor is returned.
func (r *Relay) Publish(group crdt.GroupID, descriptor pull.MessageDescriptor, ciphertext []byte, options BlobOptions) pull.MessageDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := fmt.Sprintf("/blobs/%s/%d", group, len(r.messages))
	r.blobs[name] = blob{data: slices.Clone(ciphertext), options: options}
	descriptor.DownloadURL = r.httpServer.URL + name
	r.messages = append(r.messages, published{group: group, descriptor: descriptor})
	return descriptor
}

// Requests returns every pull request received so far.
func (r *Relay) Requests() []pull.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.requests)
}

// Downloads returns how many times the blob behind url was fetched.
func (r *Relay) Downloads(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloads[strings.TrimPrefix(url, r.httpServer.URL)]
}

func (r *Relay) serveBlob(writer http.ResponseWriter, request *http.Request) {
	r.mu.Lock()
	stored, ok := r.blobs[request.URL.Path]
	if ok {
		r.downloads[request.URL.Path]++
	}
	r.mu.Unlock()

	if !ok {
		http.NotFound(writer, request)
		return
	}
	if stored.options.StatusCode != 0 && stored.options.StatusCode != http.StatusOK {
		http.Error(writer, "blob unavailable", stored.options.StatusCode)
		return
	}

	if !stored.options.UnknownLength {
		writer.Header().Set("Content-Length", fmt.Sprint(len(stored.data)))
	}
	writer.WriteHeader(http.StatusOK)

	chunkSize := stored.options.ChunkSize
	if chunkSize <= 0 {
		chunkSize = max(len(stored.data), 1)
	}
	flusher, _ := writer.(http.Flusher)
	for offset := 0; offset < len(stored.data); offset += chunkSize {
		end := min(offset+chunkSize, len(stored.data))
		if _, err := writer.Write(stored.data[offset:end]); err != nil {
			return
		}
		// Flushing before the handler returns forces chunked encoding
		// when no Content-Length was set.
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type messagesServer struct {
	pull.UnimplementedMessagesServer
	relay *Relay
}

func (s *messagesServer) Pull(in *wrapperspb.BytesValue, stream pull.MessagesPullServer) error {
	request, err := pull.DecodeRequest(in.GetValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding pull request: %v", err)
	}

	relay := s.relay
	relay.mu.Lock()
	relay.requests = append(relay.requests, request)
	token := relay.token
	inBandError := relay.pendingErr
	relay.pendingErr = ""
	rejectCode := relay.pendingCode
	relay.pendingCode = codes.OK
	var matching []pull.MessageDescriptor
	for _, message := range relay.messages {
		if message.group != request.Group {
			continue
		}
		if since, ok := request.StartTimes[message.descriptor.OriginDevice]; ok && !message.descriptor.EndTime.After(since) {
			continue
		}
		matching = append(matching, message.descriptor)
	}
	batchSize := max(relay.BatchSize, 1)
	relay.mu.Unlock()

	if rejectCode != codes.OK {
		return status.Error(rejectCode, "pull rejected")
	}
	if token != "" && request.AccessToken != token {
		return status.Error(codes.Unauthenticated, "invalid access token")
	}
	if inBandError != "" {
		return send(stream, pull.Response{Error: inBandError})
	}

	for start := 0; start < len(matching); start += batchSize {
		end := min(start+batchSize, len(matching))
		if err := send(stream, pull.Response{Messages: matching[start:end]}); err != nil {
			return err
		}
	}
	// The trailing empty batch tells the receiver it is caught up.
	return send(stream, pull.Response{})
}

func send(stream pull.MessagesPullServer, response pull.Response) error {
	body, err := codec.Marshal(response)
	if err != nil {
		return status.Errorf(codes.Internal, "encoding pull response: %v", err)
	}
	return stream.Send(wrapperspb.Bytes(body))
}
