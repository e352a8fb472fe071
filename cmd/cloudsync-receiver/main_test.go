// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudsync.yaml")
	if err := os.WriteFile(path, []byte("environment: production\nrelay:\n  insecure: true\n"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	err := run([]string{"--config", path})
	if err == nil {
		t.Fatal("run accepted an invalid config")
	}
	for _, want := range []string{"invalid config", "relay.address is required", "relay.insecure"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestRunRequiresConfig(t *testing.T) {
	t.Setenv("CLOUDSYNC_CONFIG", "")
	if err := run(nil); err == nil || !strings.Contains(err.Error(), "CLOUDSYNC_CONFIG") {
		t.Fatalf("run error = %v, want missing CLOUDSYNC_CONFIG", err)
	}
}

func TestRunRejectsArguments(t *testing.T) {
	if err := run([]string{"extra"}); err == nil || !strings.Contains(err.Error(), "unexpected argument") {
		t.Fatalf("run error = %v, want unexpected argument", err)
	}
}

func TestRunVersion(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Fatalf("run --version: %v", err)
	}
}
