package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable means every configured exchange source failed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInvalidChainData means a fetched chain was empty or malformed.
	ErrInvalidChainData = errors.New("invalid chain data")
	// ErrAggregationInvariant means a composed snapshot broke its shape rules.
	ErrAggregationInvariant = errors.New("aggregation invariant violation")
	// ErrStoreWrite means the shared store rejected or timed out a write.
	ErrStoreWrite = errors.New("store write failure")
	// ErrStaleReplay marks a trade at or behind the processing cursor.
	ErrStaleReplay = errors.New("stale replay rejected")
	// ErrSnapshotNotReady means a snapshot cannot be composed yet.
	ErrSnapshotNotReady = errors.New("snapshot not ready")
)

// SourceFailure is one source's failure within a fallback call.
type SourceFailure struct {
	Source string
	Err    error
}

// SourceUnavailableError lists why each source failed for Op.
type SourceUnavailableError struct {
	Op       string
	Failures []SourceFailure
}

func (e *SourceUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Source, f.Err))
	}
	return fmt.Sprintf("%s: %s: %s", ErrSourceUnavailable, e.Op, strings.Join(parts, "; "))
}

func (e *SourceUnavailableError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func (e *SourceUnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
