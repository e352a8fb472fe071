// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloud connects the receiver to the relay, the sealed key
// ring and the access token file named in the configuration.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bureau-foundation/cloudsync/lib/accesstoken"
	"github.com/bureau-foundation/cloudsync/lib/config"
	"github.com/bureau-foundation/cloudsync/lib/fetch"
	"github.com/bureau-foundation/cloudsync/lib/keyring"
	"github.com/bureau-foundation/cloudsync/lib/pull"
	"github.com/bureau-foundation/cloudsync/lib/receiver"
)

// Services implements receiver.Cloud from a loaded configuration.
// The pull client and key ring it creates are owned by Services and
// released by Close.
type Services struct {
	relay    config.RelayConfig
	keyRing  string
	identity string
	tokens   accesstoken.Refresher
	http     *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	clients []*pull.Client
	rings   []*keyring.Ring
}

var _ receiver.Cloud = (*Services)(nil)

// New returns Services for cfg. Nothing is opened until the receiver
// asks for it.
func New(cfg *config.Config, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Services{
		relay:    cfg.Relay,
		keyRing:  cfg.Paths.KeyRing,
		identity: cfg.Paths.Identity,
		tokens:   accesstoken.FileRefresher{Path: cfg.Paths.AccessToken},
		http:     &http.Client{Timeout: cfg.Relay.DownloadTimeout.Std()},
		logger:   logger,
	}
}

// PullClient dials the configured relay.
func (s *Services) PullClient(context.Context) (receiver.Puller, error) {
	client, err := pull.Dial(s.relay.Address, pull.DialOptions{
		Insecure:        s.relay.Insecure,
		MaxMessageBytes: s.relay.MaxMessageBytes,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.clients = append(s.clients, client)
	s.mu.Unlock()
	return client, nil
}

// KeyManager opens the sealed key ring with the configured identity.
func (s *Services) KeyManager(context.Context) (fetch.KeyResolver, error) {
	ring, err := keyring.LoadFile(s.keyRing, s.identity)
	if err != nil {
		return nil, err
	}
	s.logger.Info("key ring loaded", "path", s.keyRing, "keys", ring.Len())
	s.mu.Lock()
	s.rings = append(s.rings, ring)
	s.mu.Unlock()
	return ring, nil
}

// AccessTokens re-reads the access token file on every call.
func (s *Services) AccessTokens() accesstoken.Refresher {
	return s.tokens
}

// HTTPClient downloads message bodies. Each request is bounded by the
// configured download timeout.
func (s *Services) HTTPClient() *http.Client {
	return s.http
}

// Close closes every pull client and zeroes every key ring handed out.
func (s *Services) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, client := range s.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pull client: %w", err))
		}
	}
	for _, ring := range s.rings {
		if err := ring.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing key ring: %w", err))
		}
	}
	s.clients, s.rings = nil, nil
	return errors.Join(errs...)
}
