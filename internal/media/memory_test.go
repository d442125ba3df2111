package media

import (
	"context"
	"testing"
)

func TestMemorySource_CaptureOnce(t *testing.T) {
	src := NewMemorySource(Handle{StreamID: "cam-1", MediaKind: "video"})

	h, err := src.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if h.ID() != "cam-1" || h.Kind() != "video" {
		t.Fatalf("handle=%s/%s, want cam-1/video", h.ID(), h.Kind())
	}
	if !src.Captured() {
		t.Fatalf("source should report captured")
	}

	if _, err := src.Capture(context.Background()); err == nil {
		t.Fatalf("second capture should fail")
	}
}

func TestMemorySource_CancelledContext(t *testing.T) {
	src := NewMemorySource(Handle{StreamID: "cam-1", MediaKind: "video"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Capture(ctx); err == nil {
		t.Fatalf("capture with cancelled context should fail")
	}
	if src.Captured() {
		t.Fatalf("failed capture should not mark the source captured")
	}
}

func TestMemorySink_RecordsAttachOrder(t *testing.T) {
	sink := NewMemorySink()

	for _, id := range []string{"a", "b", "c"} {
		if err := sink.Attach(Handle{StreamID: id, MediaKind: "video"}); err != nil {
			t.Fatalf("attach %s: %v", id, err)
		}
	}

	got := sink.Attached()
	if len(got) != 3 {
		t.Fatalf("attached=%d, want 3", len(got))
	}
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ID() != id {
			t.Fatalf("attached[%d]=%s, want %s", i, got[i].ID(), id)
		}
	}
}
