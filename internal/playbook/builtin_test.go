package playbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegisterBuiltins(t *testing.T) {
	actions := NewActions()
	if err := RegisterBuiltins(actions); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for _, kind := range []string{"probe_http", "pause", "run_command"} {
		if _, ok := actions.Resolve(kind); !ok {
			t.Fatalf("builtin %s not registered", kind)
		}
	}
}

func TestProbeHTTP(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	ctx := context.Background()
	if err := probeHTTP(ctx, Request{Params: map[string]string{"url": healthy.URL}}); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}
	if err := probeHTTP(ctx, Request{Params: map[string]string{"url": broken.URL}}); err == nil {
		t.Fatal("expected error for 502 response")
	}
	if err := probeHTTP(ctx, Request{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestPause(t *testing.T) {
	start := time.Now()
	if err := pause(context.Background(), Request{Params: map[string]string{"duration_ms": "20"}}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("pause returned early")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pause(ctx, Request{Params: map[string]string{"duration_ms": "60000"}}); err == nil {
		t.Fatal("expected context error")
	}
	if err := pause(context.Background(), Request{Params: map[string]string{"duration_ms": "nope"}}); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestRunCommand(t *testing.T) {
	run := commandRunner("command")
	if err := run(context.Background(), Request{Params: map[string]string{"command": "true"}}); err != nil {
		t.Fatalf("true: %v", err)
	}
	if err := run(context.Background(), Request{Params: map[string]string{"command": "false"}}); err == nil {
		t.Fatal("expected error for failing command")
	}
	if err := run(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for missing command")
	}
}
