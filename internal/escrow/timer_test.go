package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestTimer_StartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	timer := NewTimer(svc, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)

	// Wait for the loop to come up.
	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	timer.Stop()

	deadline = time.After(time.Second)
	for timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never stopped")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	svc, _, _ := newTestService(t)
	timer := NewTimer(svc, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go timer.Start(ctx)

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	deadline = time.After(time.Second)
	for timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer did not stop on context cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
