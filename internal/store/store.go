package store

import (
	"context"
	"errors"
	"fmt"

	"optionflow/models"
)

// ErrNotFound is returned by Get for a path that holds no document.
var ErrNotFound = errors.New("store: not found")

// Store is a path addressed document store. Every Set replaces the whole
// document at one path; there are no multi-path transactions.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, doc []byte) error
	// Delete removes path and every document below it.
	Delete(ctx context.Context, path string) error
	Ping(ctx context.Context) error
	Close() error
}

// SnapshotPath is <ns>/<asset>/options/<expiry>/latest.
func SnapshotPath(namespace string, asset models.Asset, expiry string) string {
	return fmt.Sprintf("%s/%s/options/%s/latest", namespace, asset, expiry)
}

// StatePath is <ns>/<asset>/state.
func StatePath(namespace string, asset models.Asset) string {
	return fmt.Sprintf("%s/%s/state", namespace, asset)
}

// ChainPath is <ns>/<asset>/chain.
func ChainPath(namespace string, asset models.Asset) string {
	return fmt.Sprintf("%s/%s/chain", namespace, asset)
}
