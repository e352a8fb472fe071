// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package accesstoken supplies the bearer token sent with every pull.
//
// Tokens are short-lived and issued elsewhere; the receiver only asks
// for the current one each time it opens a pull, never caching it
// across iterations.
package accesstoken

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Refresher returns a currently valid access token.
type Refresher interface {
	Token(ctx context.Context) (string, error)
}

// ErrEmptyToken is returned when a token source holds no token.
var ErrEmptyToken = errors.New("access token is empty")

// FileRefresher reads the token from a file on every call, so an
// external process can rotate it by rewriting the file. Surrounding
// whitespace is ignored.
type FileRefresher struct {
	Path string
}

// Token reads and returns the token.
func (f FileRefresher) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading access token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", f.Path, ErrEmptyToken)
	}
	return token, nil
}

// Static always returns the same token.
type Static string

// Token returns the token.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrEmptyToken
	}
	return string(s), nil
}
