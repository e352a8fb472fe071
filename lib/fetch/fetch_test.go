// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/cloudsync/lib/cloudcrypto"
	"github.com/bureau-foundation/cloudsync/lib/codec"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
	"github.com/bureau-foundation/cloudsync/lib/pull"
	"github.com/bureau-foundation/cloudsync/lib/pull/pulltest"
	"github.com/bureau-foundation/cloudsync/lib/syncerror"
	"github.com/bureau-foundation/cloudsync/lib/testutil"
)

var endTime = time.Date(2026, 5, 20, 8, 30, 0, 0, time.UTC)

type keyMap map[cloudcrypto.KeyHash]*cloudcrypto.SecretKey

func (m keyMap) Key(_ crdt.GroupID, hash cloudcrypto.KeyHash) (*cloudcrypto.SecretKey, bool) {
	key, ok := m[hash]
	return key, ok
}

type recordingWriter struct {
	mu    sync.Mutex
	calls [][]crdt.Operation
	err   error
}

func (w *recordingWriter) WriteOperations(_ context.Context, operations []crdt.Operation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.calls = append(w.calls, operations)
	return nil
}

func (w *recordingWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// fragmentReader returns at most size bytes per Read.
type fragmentReader struct {
	data []byte
	size int
}

func (r *fragmentReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.size, len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func newKey(t *testing.T) *cloudcrypto.SecretKey {
	t.Helper()
	key, err := cloudcrypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

// makeOperations builds count operations. With payloadBytes > 0 each
// operation carries that many random bytes, so a large count pushes
// the plaintext past a single one-shot block.
func makeOperations(t *testing.T, count, payloadBytes int) []crdt.Operation {
	t.Helper()
	recordID, err := codec.Marshal("record")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	operations := make([]crdt.Operation, count)
	for i := range operations {
		operations[i] = crdt.Operation{
			Timestamp: uint64(100 + i),
			Model:     1,
			RecordID:  recordID,
			Kind:      crdt.KindUpdate,
		}
		if payloadBytes > 0 {
			payload := make([]byte, payloadBytes)
			if _, err := rand.Read(payload); err != nil {
				t.Fatalf("rand.Read: %v", err)
			}
			data, err := codec.Marshal(payload)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			operations[i].Data = data
		}
	}
	return operations
}

func encryptOperations(t *testing.T, key *cloudcrypto.SecretKey, operations []crdt.Operation) ([]byte, []byte) {
	t.Helper()
	plaintext, err := crdt.EncodeBatch(crdt.Compress(operations), crdt.CompressionNone)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	ciphertext, err := cloudcrypto.EncryptMessage(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	return plaintext, ciphertext
}

func newFetcher(t *testing.T, keys keyMap, writer OperationWriter, client *http.Client, concurrency int) *Fetcher {
	t.Helper()
	fetcher, err := New(Config{
		Group:       crdt.NewGroupID(),
		Keys:        keys,
		Writer:      writer,
		HTTPClient:  client,
		Concurrency: concurrency,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fetcher
}

func TestChoosePlan(t *testing.T) {
	tests := []struct {
		name          string
		contentLength int64
		buffered      int
		atEOF         bool
		want          planKind
	}{
		{"known empty", 0, 0, false, planOneShot},
		{"known small", 100, 0, false, planOneShot},
		{"known at threshold", oneShotThreshold, 0, false, planOneShot},
		{"known above threshold", oneShotThreshold + 1, 0, false, planStream},
		{"unknown empty", -1, 0, true, planIncomplete},
		{"unknown shorter than nonce", -1, cloudcrypto.OneShotNonceSize - 1, true, planIncomplete},
		{"unknown exactly nonce", -1, cloudcrypto.OneShotNonceSize, true, planOneShot},
		{"unknown at threshold", -1, oneShotThreshold, true, planOneShot},
		{"unknown above threshold", -1, oneShotThreshold + 1, false, planStream},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := choosePlan(test.contentLength, test.buffered, test.atEOF); got != test.want {
				t.Fatalf("choosePlan(%d, %d, %v) = %s, want %s",
					test.contentLength, test.buffered, test.atEOF, got, test.want)
			}
		})
	}
}

func TestReplayReaderServesBufferThenLive(t *testing.T) {
	reader := &replayReader{
		buffered: []byte("skipABC"),
		cursor:   4,
		live:     bytes.NewReader([]byte("DEF")),
	}
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "ABCDEF" {
		t.Fatalf("replayed %q, want %q", got, "ABCDEF")
	}
}

func TestKnownAndUnknownLengthAgree(t *testing.T) {
	key := newKey(t)
	for _, shape := range []struct {
		name               string
		count, payloadSize int
	}{
		{"one-shot", 3, 0},
		{"stream", 40, 4000},
	} {
		t.Run(shape.name, func(t *testing.T) {
			plaintext, ciphertext := encryptOperations(t, key, makeOperations(t, shape.count, shape.payloadSize))

			known, err := decrypt(key, bytes.NewReader(ciphertext), int64(len(ciphertext)), crdt.MaxEnvelopeSize)
			if err != nil {
				t.Fatalf("decrypt with known length: %v", err)
			}
			unknown, err := decrypt(key, bytes.NewReader(ciphertext), -1, crdt.MaxEnvelopeSize)
			if err != nil {
				t.Fatalf("decrypt with unknown length: %v", err)
			}
			if !bytes.Equal(known, unknown) || !bytes.Equal(known, plaintext) {
				t.Fatal("known and unknown length decryption differ from the plaintext")
			}
		})
	}
}

func TestDecryptIndependentOfChunking(t *testing.T) {
	key := newKey(t)
	messages := map[string][]crdt.Operation{
		"one-shot": makeOperations(t, 5, 100),
		"stream":   makeOperations(t, 40, 4000),
	}
	for name, operations := range messages {
		plaintext, ciphertext := encryptOperations(t, key, operations)
		for _, size := range []int{1, 7, 4096} {
			for _, contentLength := range []int64{int64(len(ciphertext)), -1} {
				t.Run(fmt.Sprintf("%s/chunk=%d/length=%d", name, size, contentLength), func(t *testing.T) {
					got, err := decrypt(key, &fragmentReader{data: ciphertext, size: size}, contentLength, crdt.MaxEnvelopeSize)
					if err != nil {
						t.Fatalf("decrypt: %v", err)
					}
					if !bytes.Equal(got, plaintext) {
						t.Fatal("plaintext differs")
					}
				})
			}
		}
	}
}

func TestStreamPlaintextLimit(t *testing.T) {
	key := newKey(t)
	plaintext, ciphertext := encryptOperations(t, key, makeOperations(t, 40, 4000))
	limit := int64(len(plaintext) - 1)

	for _, contentLength := range []int64{int64(len(ciphertext)), -1} {
		t.Run(fmt.Sprintf("length=%d", contentLength), func(t *testing.T) {
			_, err := decrypt(key, bytes.NewReader(ciphertext), contentLength, limit)
			if kind := syncerror.KindOf(err); kind != syncerror.Protocol {
				t.Fatalf("kind = %s, want protocol (%v)", kind, err)
			}
			if !errors.Is(err, errPlaintextLimit) {
				t.Fatalf("error = %v, want errPlaintextLimit", err)
			}

			got, err := decrypt(key, bytes.NewReader(ciphertext), contentLength, int64(len(plaintext)))
			if err != nil {
				t.Fatalf("decrypt at exactly the limit: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatal("plaintext differs")
			}
		})
	}
}

func TestFetchStoresOperations(t *testing.T) {
	key := newKey(t)
	relay := pulltest.NewRelay(t)
	origin := crdt.NewDeviceID()
	group := crdt.NewGroupID()
	operations := makeOperations(t, 4, 16)
	_, ciphertext := encryptOperations(t, key, operations)
	descriptor := relay.Publish(group, pull.MessageDescriptor{
		OriginDevice:   origin,
		StartTime:      endTime.Add(-time.Minute),
		EndTime:        endTime,
		OperationCount: 4,
		KeyHash:        key.Hash(),
	}, ciphertext, pulltest.BlobOptions{UnknownLength: true, ChunkSize: 7})

	writer := &recordingWriter{}
	fetcher := newFetcher(t, keyMap{key.Hash(): key}, writer, relay.HTTPClient(), 2)

	device, end, err := fetcher.Fetch(context.Background(), descriptor)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if device != origin || !end.Equal(endTime) {
		t.Fatalf("Fetch = %s, %v; want %s, %v", device, end, origin, endTime)
	}
	if writer.callCount() != 1 {
		t.Fatalf("writer called %d times, want 1", writer.callCount())
	}
	stored := writer.calls[0]
	if len(stored) != 4 {
		t.Fatalf("stored %d operations, want 4", len(stored))
	}
	for _, operation := range stored {
		if operation.Device != origin {
			t.Fatalf("operation %d attributed to %s, want %s", operation.Timestamp, operation.Device, origin)
		}
	}
}

func TestFetchCountMismatchWritesNothing(t *testing.T) {
	key := newKey(t)
	relay := pulltest.NewRelay(t)
	_, ciphertext := encryptOperations(t, key, makeOperations(t, 4, 0))
	descriptor := relay.Publish(crdt.NewGroupID(), pull.MessageDescriptor{
		OriginDevice:   crdt.NewDeviceID(),
		EndTime:        endTime,
		OperationCount: 5,
		KeyHash:        key.Hash(),
	}, ciphertext, pulltest.BlobOptions{})

	writer := &recordingWriter{}
	fetcher := newFetcher(t, keyMap{key.Hash(): key}, writer, relay.HTTPClient(), 1)

	_, _, err := fetcher.Fetch(context.Background(), descriptor)
	var mismatch *syncerror.CountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Fetch error = %v, want *CountMismatchError", err)
	}
	if mismatch.Declared != 5 || mismatch.Decoded != 4 {
		t.Fatalf("mismatch = %+v, want declared 5 decoded 4", mismatch)
	}
	if writer.callCount() != 0 {
		t.Fatalf("writer called %d times after count mismatch", writer.callCount())
	}
}

func TestFetchShortUnknownLengthBodyIsIncomplete(t *testing.T) {
	key := newKey(t)
	relay := pulltest.NewRelay(t)
	descriptor := relay.Publish(crdt.NewGroupID(), pull.MessageDescriptor{
		OriginDevice:   crdt.NewDeviceID(),
		EndTime:        endTime,
		OperationCount: 1,
		KeyHash:        key.Hash(),
	}, bytes.Repeat([]byte{0xAB}, 10), pulltest.BlobOptions{UnknownLength: true})

	writer := &recordingWriter{}
	fetcher := newFetcher(t, keyMap{key.Hash(): key}, writer, relay.HTTPClient(), 1)

	_, _, err := fetcher.Fetch(context.Background(), descriptor)
	if !errors.Is(err, syncerror.ErrIncompleteDownload) {
		t.Fatalf("Fetch error = %v, want ErrIncompleteDownload", err)
	}
	if writer.callCount() != 0 {
		t.Fatalf("writer called %d times for an incomplete download", writer.callCount())
	}
}

func TestFetchMissingKeySkipsDownload(t *testing.T) {
	relay := pulltest.NewRelay(t)
	descriptor := relay.Publish(crdt.NewGroupID(), pull.MessageDescriptor{
		OriginDevice:   crdt.NewDeviceID(),
		EndTime:        endTime,
		OperationCount: 1,
		KeyHash:        "unknown-hash",
	}, []byte("irrelevant"), pulltest.BlobOptions{})

	fetcher := newFetcher(t, keyMap{}, &recordingWriter{}, relay.HTTPClient(), 1)

	_, _, err := fetcher.Fetch(context.Background(), descriptor)
	var missing *syncerror.MissingKeyError
	if !errors.As(err, &missing) || missing.KeyHash != "unknown-hash" {
		t.Fatalf("Fetch error = %v, want *MissingKeyError for unknown-hash", err)
	}
	if syncerror.KindOf(err) != syncerror.MissingKey {
		t.Fatalf("KindOf = %s, want missing_key", syncerror.KindOf(err))
	}
	if downloads := relay.Downloads(descriptor.DownloadURL); downloads != 0 {
		t.Fatalf("blob downloaded %d times without a key", downloads)
	}
}

func TestFetchErrorKinds(t *testing.T) {
	key := newKey(t)
	_, ciphertext := encryptOperations(t, key, makeOperations(t, 1, 0))
	tampered := bytes.Clone(ciphertext)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name       string
		ciphertext []byte
		options    pulltest.BlobOptions
		writerErr  error
		kind       syncerror.Kind
	}{
		{"forbidden", ciphertext, pulltest.BlobOptions{StatusCode: http.StatusForbidden}, nil, syncerror.Transport},
		{"tampered", tampered, pulltest.BlobOptions{}, nil, syncerror.Crypto},
		{"not a batch", mustEncrypt(t, key, []byte("not cbor")), pulltest.BlobOptions{}, nil, syncerror.Serialization},
		{"writer fails", ciphertext, pulltest.BlobOptions{}, errors.New("disk full"), syncerror.Persistence},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			relay := pulltest.NewRelay(t)
			descriptor := relay.Publish(crdt.NewGroupID(), pull.MessageDescriptor{
				OriginDevice:   crdt.NewDeviceID(),
				EndTime:        endTime,
				OperationCount: 1,
				KeyHash:        key.Hash(),
			}, test.ciphertext, test.options)

			fetcher := newFetcher(t, keyMap{key.Hash(): key}, &recordingWriter{err: test.writerErr}, relay.HTTPClient(), 1)
			_, _, err := fetcher.Fetch(context.Background(), descriptor)
			if kind := syncerror.KindOf(err); kind != test.kind {
				t.Fatalf("KindOf(%v) = %s, want %s", err, kind, test.kind)
			}
		})
	}
}

func TestFetchStatusErrorDetail(t *testing.T) {
	key := newKey(t)
	relay := pulltest.NewRelay(t)
	descriptor := relay.Publish(crdt.NewGroupID(), pull.MessageDescriptor{
		OriginDevice:   crdt.NewDeviceID(),
		EndTime:        endTime,
		OperationCount: 1,
		KeyHash:        key.Hash(),
	}, []byte("x"), pulltest.BlobOptions{StatusCode: http.StatusGone})

	fetcher := newFetcher(t, keyMap{key.Hash(): key}, &recordingWriter{}, relay.HTTPClient(), 1)
	_, _, err := fetcher.Fetch(context.Background(), descriptor)
	var statusErr *syncerror.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusGone {
		t.Fatalf("Fetch error = %v, want *StatusError 410", err)
	}
}

func mustEncrypt(t *testing.T, key *cloudcrypto.SecretKey, plaintext []byte) []byte {
	t.Helper()
	ciphertext, err := cloudcrypto.EncryptOneShot(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptOneShot: %v", err)
	}
	return ciphertext
}

func TestFetchHonoursPermitBound(t *testing.T) {
	const (
		permits  = 2
		messages = 6
	)
	key := newKey(t)
	_, ciphertext := encryptOperations(t, key, makeOperations(t, 1, 0))

	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	arrived := make(chan struct{}, messages)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()

		arrived <- struct{}{}
		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()

		writer.Header().Set("Content-Length", fmt.Sprint(len(ciphertext)))
		writer.Write(ciphertext)
	}))
	defer server.Close()

	fetcher := newFetcher(t, keyMap{key.Hash(): key}, &recordingWriter{}, server.Client(), permits)

	errs := make(chan error, messages)
	for i := range messages {
		descriptor := pull.MessageDescriptor{
			OriginDevice:   crdt.NewDeviceID(),
			EndTime:        endTime,
			OperationCount: 1,
			KeyHash:        key.Hash(),
			DownloadURL:    fmt.Sprintf("%s/blob/%d", server.URL, i),
		}
		go func() {
			_, _, err := fetcher.Fetch(context.Background(), descriptor)
			errs <- err
		}()
	}

	for range permits {
		testutil.RequireReceive(t, arrived, 5*time.Second, "waiting for permitted downloads")
	}
	// The remaining downloads must stay blocked on a permit while the
	// first ones hold theirs.
	testutil.RequireQuiet(t, arrived, 100*time.Millisecond, "download started beyond the permit bound")
	close(release)

	for range messages {
		if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for fetch"); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != permits {
		t.Fatalf("max concurrent downloads = %d, want %d", maxInFlight, permits)
	}
}

func TestNewDefaultsConcurrencyToGOMAXPROCS(t *testing.T) {
	fetcher := newFetcher(t, keyMap{}, &recordingWriter{}, nil, 0)
	if fetcher.Concurrency() != runtime.GOMAXPROCS(0) {
		t.Fatalf("Concurrency() = %d, want %d", fetcher.Concurrency(), runtime.GOMAXPROCS(0))
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Writer: &recordingWriter{}}); err == nil {
		t.Fatal("New accepted a config without Keys")
	}
	if _, err := New(Config{Keys: keyMap{}}); err == nil {
		t.Fatal("New accepted a config without Writer")
	}
}
