// Package storage provides the durable key-value stores the daemon keeps
// its identity record, backups and canister registry in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("storage: key not found")
	ErrInvalidKey = errors.New("storage: invalid key")
	ErrClosed     = errors.New("storage: store is closed")
)

// KV is a flat key-value store. Put replaces a value atomically: a
// concurrent or later Get observes either the previous or the new value.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ValidateKey accepts slash separated segments of [A-Za-z0-9._:-].
func ValidateKey(key string) error {
	if key == "" || len(key) > 200 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '.', r == '_', r == '-', r == ':':
			default:
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
		}
	}
	return nil
}
