package playbook

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RegisterBuiltins installs the generic action sets every deployment gets.
// Deployment-specific actions are registered alongside these before playbooks
// load, so publish-time validation can resolve them.
func RegisterBuiltins(actions *Actions) error {
	builtins := map[string]ActionSet{
		"probe_http": {
			Action: probeHTTP,
			Verify: probeHTTP,
			DryRun: probeHTTP,
		},
		"pause": {
			Action: pause,
			DryRun: func(context.Context, Request) error { return nil },
		},
		"run_command": {
			Action:   commandRunner("command"),
			Verify:   commandRunner("verify_command"),
			Rollback: commandRunner("rollback_command"),
			DryRun:   validateCommand,
		},
	}
	for kind, set := range builtins {
		if err := actions.Register(kind, set); err != nil {
			return err
		}
	}
	return nil
}

// probeHTTP issues a GET against the step's url param and demands a 2xx.
// It is read-only, so the same function serves action, verify, and dry-run.
func probeHTTP(ctx context.Context, req Request) error {
	url := req.Params["url"]
	if url == "" {
		return fmt.Errorf("probe_http: url param is required")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe_http: %w", err)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("probe_http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe_http: %s returned %d", url, resp.StatusCode)
	}
	return nil
}

// pause waits for the step's duration_ms param, typically between a restart
// and its verification.
func pause(ctx context.Context, req Request) error {
	ms, err := strconv.ParseInt(req.Params["duration_ms"], 10, 64)
	if err != nil || ms <= 0 {
		return fmt.Errorf("pause: duration_ms param must be a positive integer")
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commandRunner builds a hook that shells out to the command named by the
// given param. A missing verify or rollback command fails loudly rather than
// silently passing.
func commandRunner(param string) Func {
	return func(ctx context.Context, req Request) error {
		command := req.Params[param]
		if command == "" {
			return fmt.Errorf("run_command: %s param is required", param)
		}
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("run_command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

func validateCommand(_ context.Context, req Request) error {
	if req.Params["command"] == "" {
		return fmt.Errorf("run_command: command param is required")
	}
	return nil
}
