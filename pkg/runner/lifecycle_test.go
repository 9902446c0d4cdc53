package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRunDrainsOnCancel(t *testing.T) {
	var order []string
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		order = append(order, "drain")
		return nil
	}), Hooks{
		OnStart: func(context.Context) error { order = append(order, "start"); return nil },
		OnStop:  func() { order = append(order, "stop") },
	}, WithDrainTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(order, ",") != "start,drain,stop" {
		t.Fatalf("unexpected order %v", order)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on rerun, got %v", err)
	}
}

func TestStartFailureStillDrains(t *testing.T) {
	drained := false
	boom := errors.New("boom")
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error { drained = true; return nil }), Hooks{
		OnStart: func(context.Context) error { return boom },
	})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if !drained {
		t.Fatalf("expected drain after failed start")
	}
}

func TestDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(DrainerFunc(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}), Hooks{}, WithDrainTimeout(20*time.Millisecond))
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected stop to be idempotent, got %v", err)
	}
}

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	r := NewLifecycleRunner(nil, Hooks{}, WithBanner(&buf))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("expected banner version line, got %q", buf.String())
	}
}

func TestStoppedClosesAfterDrain(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error { return nil }), Hooks{}, WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	cancel()
	select {
	case <-r.Stopped():
	case <-time.After(time.Second):
		t.Fatalf("runner never stopped")
	}
	out := logs.String()
	for _, want := range []string{`"msg":"lifecycle_drained"`, `"component":"lifecycle"`, `"to":"draining"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
