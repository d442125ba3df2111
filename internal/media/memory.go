package media

import (
	"context"
	"errors"
	"sync"
)

// Compile-time interface checks.
var (
	_ StreamHandle = Handle{}
	_ Source       = (*MemorySource)(nil)
	_ Sink         = (*MemorySink)(nil)
)

var errCaptureTwice = errors.New("media: source already captured")

// Handle is a plain StreamHandle value.
type Handle struct {
	StreamID  string
	MediaKind string
}

func (h Handle) ID() string   { return h.StreamID }
func (h Handle) Kind() string { return h.MediaKind }

// MemorySource is an in-process Source for tests. It produces a fixed
// handle and records whether capture started, bypassing real devices
// entirely.
type MemorySource struct {
	mu       sync.Mutex
	handle   Handle
	captured bool
}

// NewMemorySource creates a source that yields the given handle.
func NewMemorySource(handle Handle) *MemorySource {
	return &MemorySource{handle: handle}
}

func (s *MemorySource) Capture(ctx context.Context) (StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captured {
		return nil, errCaptureTwice
	}
	s.captured = true
	return s.handle, nil
}

// Captured reports whether Capture has run.
func (s *MemorySource) Captured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured
}

// MemorySink is an in-process Sink for tests. It records every attached
// handle in arrival order.
type MemorySink struct {
	mu      sync.Mutex
	handles []StreamHandle
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Attach(handle StreamHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, handle)
	return nil
}

// Attached returns the handles attached so far, in order.
func (s *MemorySink) Attached() []StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamHandle, len(s.handles))
	copy(out, s.handles)
	return out
}
