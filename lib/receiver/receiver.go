// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/cloudsync/lib/accesstoken"
	"github.com/bureau-foundation/cloudsync/lib/clock"
	"github.com/bureau-foundation/cloudsync/lib/crdt"
	"github.com/bureau-foundation/cloudsync/lib/fetch"
	"github.com/bureau-foundation/cloudsync/lib/pull"
	"github.com/bureau-foundation/cloudsync/lib/syncerror"
	"github.com/bureau-foundation/cloudsync/lib/watermark"
)

const (
	// DefaultPollInterval is the wait between successful iterations.
	DefaultPollInterval = time.Minute
	// DefaultBackoff is the wait after a failed iteration.
	DefaultBackoff = time.Minute
)

// Puller opens pull streams. *pull.Client implements it.
type Puller interface {
	Pull(ctx context.Context, request pull.Request) (*pull.Stream, error)
}

// Cloud provides the receiver's connections to the cloud services.
// PullClient and KeyManager may do I/O; New calls them concurrently.
type Cloud interface {
	PullClient(ctx context.Context) (Puller, error)
	KeyManager(ctx context.Context) (fetch.KeyResolver, error)
	AccessTokens() accesstoken.Refresher
	HTTPClient() *http.Client
}

// Sync is the local side: this device's identity and the storage
// received operations are written to.
type Sync struct {
	Device crdt.DeviceID
	Writer fetch.OperationWriter
}

// IngestNotifier is told when newly received operations are ready to
// be applied.
type IngestNotifier interface {
	NotifyIngest()
}

// IngestFunc adapts a function to IngestNotifier.
type IngestFunc func()

// NotifyIngest calls f.
func (f IngestFunc) NotifyIngest() { f() }

// Config configures New.
type Config struct {
	// DataDirectory holds the watermark file.
	DataDirectory string

	Group  crdt.GroupID
	Cloud  Cloud
	Sync   Sync
	Ingest IngestNotifier

	// Status receives state changes. Optional.
	Status *Status

	// Clock drives polling and backoff. Defaults to clock.Real().
	Clock clock.Clock

	PollInterval time.Duration
	Backoff      time.Duration

	// Concurrency bounds parallel downloads. Zero means
	// runtime.GOMAXPROCS(0).
	Concurrency int

	Logger *slog.Logger
}

// Receiver is the cloud sync receive actor. Create with New, then
// call Run once.
type Receiver struct {
	group        crdt.GroupID
	device       crdt.DeviceID
	puller       Puller
	tokens       accesstoken.Refresher
	fetcher      *fetch.Fetcher
	watermarks   *watermark.Store
	ingest       IngestNotifier
	status       *Status
	clock        clock.Clock
	pollInterval time.Duration
	backoff      time.Duration
	logger       *slog.Logger
}

// New validates config and loads the receiver's state. The watermark
// file, the pull client and the key manager are loaded concurrently;
// New fails if any of them fails.
func New(ctx context.Context, config Config) (*Receiver, error) {
	var errs []error
	if config.DataDirectory == "" {
		errs = append(errs, errors.New("DataDirectory is required"))
	}
	if config.Group.IsZero() {
		errs = append(errs, errors.New("Group is required"))
	}
	if config.Cloud == nil {
		errs = append(errs, errors.New("Cloud is required"))
	}
	if config.Sync.Device.IsZero() {
		errs = append(errs, errors.New("Sync.Device is required"))
	}
	if config.Sync.Writer == nil {
		errs = append(errs, errors.New("Sync.Writer is required"))
	}
	if config.Ingest == nil {
		errs = append(errs, errors.New("Ingest is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("receiver: invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("group", config.Group)

	var (
		watermarks *watermark.Store
		puller     Puller
		keys       fetch.KeyResolver
	)
	startup, startupContext := errgroup.WithContext(ctx)
	startup.Go(func() error {
		var err error
		watermarks, err = watermark.Load(config.DataDirectory)
		return syncerror.New(syncerror.Persistence, "loading watermarks", err)
	})
	startup.Go(func() error {
		var err error
		puller, err = config.Cloud.PullClient(startupContext)
		return syncerror.New(syncerror.Transport, "creating pull client", err)
	})
	startup.Go(func() error {
		var err error
		keys, err = config.Cloud.KeyManager(startupContext)
		return syncerror.New(syncerror.Persistence, "loading key manager", err)
	})
	if err := startup.Wait(); err != nil {
		return nil, fmt.Errorf("receiver: starting: %w", err)
	}

	fetcher, err := fetch.New(fetch.Config{
		Group:       config.Group,
		Keys:        keys,
		Writer:      config.Sync.Writer,
		HTTPClient:  config.Cloud.HTTPClient(),
		Concurrency: config.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	status := config.Status
	if status == nil {
		status = NewStatus()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	backoff := config.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	logger.Info("cloud sync receiver ready",
		"known_devices", watermarks.Len(),
		"concurrency", fetcher.Concurrency(),
	)

	return &Receiver{
		group:        config.Group,
		device:       config.Sync.Device,
		puller:       puller,
		tokens:       config.Cloud.AccessTokens(),
		fetcher:      fetcher,
		watermarks:   watermarks,
		ingest:       config.Ingest,
		status:       status,
		clock:        clk,
		pollInterval: pollInterval,
		backoff:      backoff,
		logger:       logger,
	}, nil
}

// Status returns the receiver's state publisher.
func (r *Receiver) Status() *Status { return r.status }

// Run pulls until ctx is cancelled. Failed iterations are logged and
// retried after the backoff; no error escapes Run.
//
// Cancellation is observed only between iterations. An iteration in
// progress runs to completion on a context that ignores ctx's
// cancellation, so a batch is never abandoned between storage and the
// watermark save.
func (r *Receiver) Run(ctx context.Context) {
	iterationContext := context.WithoutCancel(ctx)
	for {
		r.setState(Fetching, nil)

		if err := r.iterate(iterationContext); err != nil {
			r.logger.Error("cloud sync receive failed",
				"error", err,
				"kind", syncerror.KindOf(err),
				"backoff", r.backoff,
			)
			r.setState(Recovering, err)
			r.clock.Sleep(r.backoff)
			if ctx.Err() != nil {
				r.setState(Idle, nil)
				return
			}
			continue
		}

		r.setState(Idle, nil)
		select {
		case <-r.clock.After(r.pollInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Receiver) setState(state State, err error) {
	r.status.publish(Update{State: state, Err: err, At: r.clock.Now()})
}

// iterate runs one pull to completion: every batch the relay streams
// until the first empty one.
func (r *Receiver) iterate(ctx context.Context) error {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return syncerror.New(syncerror.Auth, "refreshing access token", err)
	}

	stream, err := r.puller.Pull(ctx, pull.Request{
		AccessToken: token,
		Group:       r.group,
		Device:      r.device,
		StartTimes:  r.watermarks.Snapshot(),
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		batch, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := r.receiveBatch(ctx, batch); err != nil {
			return err
		}
	}
}

type messageResult struct {
	device  crdt.DeviceID
	endTime time.Time
}

// receiveBatch fetches every message of batch concurrently, then
// advances and saves the watermarks. Any failed message leaves the
// watermarks untouched for the whole batch.
func (r *Receiver) receiveBatch(ctx context.Context, batch []pull.MessageDescriptor) error {
	results := make([]messageResult, len(batch))
	failures := make([]error, len(batch))

	var tasks errgroup.Group
	for index, descriptor := range batch {
		tasks.Go(func() error {
			defer func() {
				if value := recover(); value != nil {
					failures[index] = &syncerror.TaskPanicError{Value: value}
				}
			}()
			device, endTime, err := r.fetcher.Fetch(ctx, descriptor)
			if err != nil {
				failures[index] = fmt.Errorf("message from device %s ending %s: %w",
					descriptor.OriginDevice, descriptor.EndTime.Format(time.RFC3339Nano), err)
				return nil
			}
			results[index] = messageResult{device: device, endTime: endTime}
			return nil
		})
	}
	tasks.Wait()

	if err := errors.Join(failures...); err != nil {
		return err
	}

	advanced := 0
	for _, result := range results {
		if r.watermarks.Merge(result.device, result.endTime) {
			advanced++
		}
	}
	if err := r.watermarks.Save(); err != nil {
		return syncerror.New(syncerror.Persistence, "saving watermarks", err)
	}

	r.logger.Info("sync batch received",
		"messages", len(batch),
		"devices_advanced", advanced,
	)
	r.ingest.NotifyIngest()
	return nil
}
