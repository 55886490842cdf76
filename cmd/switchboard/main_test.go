package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-switchboard/pkg/gateway/server"
)

const testAgentsYAML = `
default: Concierge
agents:
  - name: Concierge
    description: Front door
    voice:
      name: alloy
    handoffs:
      transfer_to_billing: Billing
  - name: Billing
    description: Charges and refunds
    handoffs:
      back_to_concierge: Concierge
state_rules:
  - name: verified
    key: authenticated
    when: became_true
    target: Billing
`

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(chan<- os.Signal, ...os.Signal) {}, func(chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, &stderr, appDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want config error", got)
	}
}

func TestRunServe_RequiresProviderKey(t *testing.T) {
	notify, stop := noSignals()
	err := runServe(context.Background(), io.Discard, appDeps{
		loadConfig:   func() (config.Config, error) { return config.Config{}, nil },
		signalNotify: notify,
		signalStop:   stop,
	})
	if err == nil || !strings.Contains(err.Error(), "SWITCHBOARD_REALTIME_API_KEY") {
		t.Fatalf("runServe() = %v", err)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(config.Config{ReadHeaderTimeout: time.Second}, logger, gatewayserver.Deps{})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}

func TestAgentsCommand_ListsAgentsAndRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(testAgentsYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	cmd := newRootCmd(io.Discard, appDeps{
		loadConfig: func() (config.Config, error) {
			t.Fatalf("loadConfig should not be called when --file is set")
			return config.Config{}, nil
		},
	})
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"agents", "--file", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("agents command: %v", err)
	}

	out := stdout.String()
	for _, want := range []string{
		"Concierge (default)",
		"transfer_to_billing->Billing",
		"back_to_concierge->Concierge",
		"alloy",
		"rule verified",
		"authenticated became_true -> Billing",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAgentsCommand_FallsBackToConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(testAgentsYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	cmd := newRootCmd(io.Discard, appDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{AgentsFile: path}, nil
		},
	})
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"agents"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("agents command: %v", err)
	}
	if !strings.Contains(stdout.String(), "Billing") {
		t.Fatalf("output=%q", stdout.String())
	}
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd(io.Discard, appDeps{})
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "agents", "console"} {
		if !names[want] {
			t.Fatalf("missing subcommand %q (have %v)", want, names)
		}
	}
}

type fakeDrainer struct {
	draining bool
	notified int
	waits    int
	drained  bool
	canceled int
}

func (f *fakeDrainer) SetDraining()        { f.draining = true }
func (f *fakeDrainer) NotifyDraining() int { f.notified++; return 2 }
func (f *fakeDrainer) ActiveSessions() int { return 2 }

func (f *fakeDrainer) WaitSessions(ctx context.Context) bool {
	f.waits++
	return f.drained
}

func (f *fakeDrainer) CancelSessions() int {
	f.canceled++
	return 2
}

func TestDrain_WaitsThenCancels(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{ShutdownGracePeriod: 10 * time.Millisecond}

	clean := &fakeDrainer{drained: true}
	drain(clean, cfg, logger)
	if !clean.draining || clean.notified != 1 || clean.canceled != 0 || clean.waits != 1 {
		t.Fatalf("clean drain: %+v", clean)
	}

	stuck := &fakeDrainer{}
	drain(stuck, cfg, logger)
	if !stuck.draining || stuck.canceled != 1 || stuck.waits != 2 {
		t.Fatalf("stuck drain: %+v", stuck)
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("loadDotEnv() = %v", err)
	}
}
