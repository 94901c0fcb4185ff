package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aipper/relay/internal/eventstore"
)

func TestRunPeriodicPruneStopsOnContextCancel(t *testing.T) {
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runPeriodicPrune(ctx, store, 30, 60, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runPeriodicPrune did not return after context cancellation")
	}
}
