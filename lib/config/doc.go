// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the cloud sync receiver's YAML configuration.
//
// The file is named either by the CLOUDSYNC_CONFIG environment
// variable ([Load]) or by a --config flag ([LoadFile]). There is no
// discovery and no environment variable overrides individual values;
// the file is the single source of truth.
//
// A development or production section replaces base values when
// environment matches. Path fields expand ${HOME}, ${CLOUDSYNC_DATA}
// and ${VAR:-default} after overrides are applied. Durations are Go
// duration strings.
//
//	environment: production
//	paths:
//	  data: /var/lib/cloudsync
//	relay:
//	  address: relay.example.net:443
//	sync:
//	  group: 5f0c...
//	  device: 9a41...
//	  poll_interval: 1m
package config
