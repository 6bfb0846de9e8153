package audit

import (
	"log/slog"
	"testing"
	"time"
)

func TestLogNeverBlocks(t *testing.T) {
	w := NewWriter(nil, slog.Default())

	// Not started: nothing drains the channel. Overfilling the buffer must
	// drop entries rather than block the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize*2; i++ {
			w.Log(Entry{Action: "admission_denied", Path: "/api/drone/1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full buffer")
	}

	if got := len(w.entries); got != bufferSize {
		t.Errorf("buffered entries = %d, want %d", got, bufferSize)
	}
}

func TestLogStampsTimestamp(t *testing.T) {
	w := NewWriter(nil, slog.Default())

	before := time.Now()
	w.Log(Entry{Action: "proxy_failure", Path: "/api/drone/1"})

	entry := <-w.entries
	if entry.Timestamp.Before(before) {
		t.Errorf("timestamp = %v, want stamped at enqueue time", entry.Timestamp)
	}
}
