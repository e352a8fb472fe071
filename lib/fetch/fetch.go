// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
	"github.com/bureau-foundation/cloudsync/lib/pull"
	"github.com/bureau-foundation/cloudsync/lib/syncerror"
)

// KeyResolver looks up the secret key a message was encrypted with.
// The returned key is owned by the resolver.
type KeyResolver interface {
	Key(group crdt.GroupID, hash cloudcrypto.KeyHash) (*cloudcrypto.SecretKey, bool)
}

// OperationWriter commits the operations of one message as a single
// unit. Writing operations that are already stored must succeed
// without duplicating them: after a crash the receiver re-fetches the
// last batch.
type OperationWriter interface {
	WriteOperations(ctx context.Context, operations []crdt.Operation) error
}

// errorBodyLimit caps how much of a failed download's body is kept
// for the error message.
const errorBodyLimit = 512

// Config configures a Fetcher.
type Config struct {
	Group  crdt.GroupID
	Keys   KeyResolver
	Writer OperationWriter

	// HTTPClient performs the signed-link downloads. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Concurrency is the number of downloads allowed in flight.
	// Zero means runtime.GOMAXPROCS(0).
	Concurrency int

	Logger *slog.Logger
}

// Fetcher processes message descriptors. Fetch is safe for concurrent
// use; concurrency is bounded by the Fetcher's permits.
type Fetcher struct {
	group      crdt.GroupID
	keys       KeyResolver
	writer     OperationWriter
	httpClient *http.Client
	permits    *semaphore.Weighted
	capacity   int
	logger     *slog.Logger
}

// New creates a Fetcher. Keys and Writer are required.
func New(config Config) (*Fetcher, error) {
	if config.Keys == nil {
		return nil, errors.New("fetch: Keys is required")
	}
	if config.Writer == nil {
		return nil, errors.New("fetch: Writer is required")
	}

	capacity := config.Concurrency
	if capacity <= 0 {
		capacity = runtime.GOMAXPROCS(0)
	}
	capacity = max(capacity, 1)

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Fetcher{
		group:      config.Group,
		keys:       config.Keys,
		writer:     config.Writer,
		httpClient: httpClient,
		permits:    semaphore.NewWeighted(int64(capacity)),
		capacity:   capacity,
		logger:     logger,
	}, nil
}

// Concurrency returns the number of download permits.
func (f *Fetcher) Concurrency() int { return f.capacity }

// Fetch downloads, decrypts, validates and stores the message
// described by descriptor. On success it returns the message's origin
// device and end time, the watermark the message advances.
func (f *Fetcher) Fetch(ctx context.Context, descriptor pull.MessageDescriptor) (crdt.DeviceID, time.Time, error) {
	key, ok := f.keys.Key(f.group, descriptor.KeyHash)
	if !ok {
		return crdt.DeviceID{}, time.Time{}, syncerror.New(syncerror.MissingKey, "resolving message key",
			&syncerror.MissingKeyError{Group: f.group.String(), KeyHash: string(descriptor.KeyHash)})
	}

	plaintext, err := f.download(ctx, key, descriptor.DownloadURL)
	if err != nil {
		return crdt.DeviceID{}, time.Time{}, err
	}

	batch, err := crdt.DecodeBatch(plaintext)
	if err != nil {
		return crdt.DeviceID{}, time.Time{}, syncerror.New(syncerror.Serialization, "decoding message plaintext", err)
	}
	operations, err := batch.Expand(descriptor.OriginDevice)
	if err != nil {
		return crdt.DeviceID{}, time.Time{}, syncerror.New(syncerror.Protocol, "expanding operation batch", err)
	}
	if len(operations) != int(descriptor.OperationCount) {
		return crdt.DeviceID{}, time.Time{}, syncerror.New(syncerror.Protocol, "validating operation count",
			&syncerror.CountMismatchError{Declared: descriptor.OperationCount, Decoded: len(operations)})
	}

	if err := f.writer.WriteOperations(ctx, operations); err != nil {
		return crdt.DeviceID{}, time.Time{}, syncerror.New(syncerror.Persistence, "writing operations", err)
	}

	f.logger.Debug("sync message stored",
		"device", descriptor.OriginDevice,
		"end_time", descriptor.EndTime,
		"operations", len(operations),
	)
	return descriptor.OriginDevice, descriptor.EndTime, nil
}

// download holds a permit while the body is fetched and decrypted.
func (f *Fetcher) download(ctx context.Context, key *cloudcrypto.SecretKey, url string) ([]byte, error) {
	if err := f.permits.Acquire(ctx, 1); err != nil {
		return nil, syncerror.New(syncerror.Transport, "waiting for download permit", err)
	}
	defer f.permits.Release(1)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, syncerror.New(syncerror.Protocol, "building download request", err)
	}
	response, err := f.httpClient.Do(request)
	if err != nil {
		return nil, syncerror.New(syncerror.Transport, "downloading sync message", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
		return nil, syncerror.New(syncerror.Transport, "downloading sync message",
			&syncerror.StatusError{StatusCode: response.StatusCode, Body: string(bytes.TrimSpace(body))})
	}

	return decrypt(key, response.Body, response.ContentLength, crdt.MaxEnvelopeSize)
}

// decrypt reads body and decrypts it. contentLength is -1 when the
// length is unknown. A stream whose plaintext grows past limit bytes
// is rejected.
func decrypt(key *cloudcrypto.SecretKey, body io.Reader, contentLength, limit int64) ([]byte, error) {
	if contentLength >= 0 {
		switch choosePlan(contentLength, 0, false) {
		case planOneShot:
			ciphertext, err := io.ReadAll(body)
			if err != nil {
				return nil, syncerror.New(syncerror.Transport, "reading sync message", err)
			}
			return decryptOneShot(key, ciphertext)
		default:
			var nonce cloudcrypto.StreamNonce
			if _, err := io.ReadFull(body, nonce[:]); err != nil {
				return nil, syncerror.New(syncerror.Transport, "reading stream nonce", err)
			}
			return decryptStream(key, nonce, body, limit)
		}
	}

	// Read ahead one byte past the one-shot maximum: either the body
	// ends first, or it is a stream.
	buffer := make([]byte, oneShotThreshold+1)
	buffered, err := io.ReadFull(body, buffer)
	atEOF := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		atEOF = true
	case err != nil:
		return nil, syncerror.New(syncerror.Transport, "reading sync message", err)
	}
	buffer = buffer[:buffered]

	switch choosePlan(-1, buffered, atEOF) {
	case planIncomplete:
		return nil, syncerror.New(syncerror.Protocol, "reading sync message",
			fmt.Errorf("%w: got %d bytes", syncerror.ErrIncompleteDownload, buffered))
	case planOneShot:
		return decryptOneShot(key, buffer)
	default:
		var nonce cloudcrypto.StreamNonce
		copy(nonce[:], buffer)
		return decryptStream(key, nonce, &replayReader{
			buffered: buffer,
			cursor:   cloudcrypto.StreamNonceSize,
			live:     body,
		}, limit)
	}
}

func decryptOneShot(key *cloudcrypto.SecretKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := cloudcrypto.DecryptOneShot(key, ciphertext)
	if err != nil {
		return nil, syncerror.New(syncerror.Crypto, "decrypting one-shot message", err)
	}
	return plaintext, nil
}

func decryptStream(key *cloudcrypto.SecretKey, nonce cloudcrypto.StreamNonce, source io.Reader, limit int64) ([]byte, error) {
	plaintext := &boundedBuffer{limit: limit}
	if err := cloudcrypto.DecryptStream(key, nonce, source, plaintext); err != nil {
		if errors.Is(err, errPlaintextLimit) {
			return nil, syncerror.New(syncerror.Protocol, "decrypting stream message", err)
		}
		if errors.Is(err, cloudcrypto.ErrAuthentication) || errors.Is(err, cloudcrypto.ErrMalformed) {
			return nil, syncerror.New(syncerror.Crypto, "decrypting stream message", err)
		}
		return nil, syncerror.New(syncerror.Transport, "reading stream message", err)
	}
	return plaintext.Bytes(), nil
}

var errPlaintextLimit = errors.New("stream plaintext exceeds the envelope size limit")

// boundedBuffer is a bytes.Buffer that refuses to grow past limit.
type boundedBuffer struct {
	bytes.Buffer
	limit int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.Len())+int64(len(p)) > b.limit {
		return 0, fmt.Errorf("%w: more than %d bytes", errPlaintextLimit, b.limit)
	}
	return b.Buffer.Write(p)
}
