package runtimeconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotLoaded is returned by Reload when no loader is configured.
var ErrNotLoaded = errors.New("no loader configured")

// Versioned is implemented by snapshot payloads.
type Versioned interface {
	SnapshotVersion() string
}

// Snapshot is one published value plus when it was published.
type Snapshot[T Versioned] struct {
	Value      T
	Generation uint64
	LoadedAt   time.Time
}

// Version returns the payload's version string.
func (s *Snapshot[T]) Version() string {
	return s.Value.SnapshotVersion()
}

// Loader produces a fresh payload, typically by re-reading a file.
type Loader[T Versioned] func(ctx context.Context) (T, error)

// Holder publishes snapshots of T. Reads are lock-free; reloads are serialised.
type Holder[T Versioned] struct {
	current atomic.Pointer[Snapshot[T]]
	loader  Loader[T]
	mu      sync.Mutex // single writer
	gen     uint64
	now     func() time.Time
}

// NewHolder publishes initial as generation 1.
func NewHolder[T Versioned](initial T, loader Loader[T]) *Holder[T] {
	h := &Holder[T]{loader: loader, now: time.Now}
	h.Store(initial)
	return h
}

// Load returns the current snapshot. Never nil.
func (h *Holder[T]) Load() *Snapshot[T] {
	return h.current.Load()
}

// Current returns the current payload.
func (h *Holder[T]) Current() T {
	return h.current.Load().Value
}

// Store publishes v as a new generation.
func (h *Holder[T]) Store(v T) *Snapshot[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.storeLocked(v)
}

func (h *Holder[T]) storeLocked(v T) *Snapshot[T] {
	h.gen++
	snap := &Snapshot[T]{Value: v, Generation: h.gen, LoadedAt: h.now()}
	h.current.Store(snap)
	return snap
}

// Reload runs the loader and publishes its result. On error the current
// snapshot stays in place.
func (h *Holder[T]) Reload(ctx context.Context) (*Snapshot[T], error) {
	if h.loader == nil {
		return nil, ErrNotLoaded
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reload: %w", err)
	}
	return h.storeLocked(v), nil
}

// Fetch runs the loader without publishing, so a caller can validate several
// payloads before swapping any of them in.
func (h *Holder[T]) Fetch(ctx context.Context) (T, error) {
	if h.loader == nil {
		var zero T
		return zero, ErrNotLoaded
	}
	return h.loader(ctx)
}
