package doctor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aipper/relay/internal/hostconfig"
	"github.com/aipper/relay/internal/spool"
)

func TestCheckNetworkDefaultsToLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, Deps{})
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
	if result.Status != "PASS" && result.Status != "WARN" {
		t.Fatalf("expected PASS or WARN, got %s", result.Status)
	}
}

func TestCheckNetworkUsesConfiguredServerHost(t *testing.T) {
	cfg := &hostconfig.Config{ServerBaseURL: "ws://localhost:8787"}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, Deps{Config: cfg})
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
}

func TestCheckNetworkCanceledContextWarns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, Deps{})
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for canceled context, got %s", result.Status)
	}
}

func TestCheckHomeWritableSkipsWithoutConfig(t *testing.T) {
	result := checkHomeWritable(context.Background(), Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without config, got %s", result.Status)
	}
}

func TestCheckHomeWritablePassesForTempDir(t *testing.T) {
	cfg := &hostconfig.Config{HomeDir: t.TempDir()}
	result := checkHomeWritable(context.Background(), Deps{Config: cfg})
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckSpoolSkipsWithoutSpool(t *testing.T) {
	result := checkSpool(context.Background(), Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without spool, got %s", result.Status)
	}
}

func TestCheckSpoolPassesForEmptySpool(t *testing.T) {
	sp, err := spool.Open(filepath.Join(t.TempDir(), "spool.db"), 1<<20)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	defer sp.Close()

	result := checkSpool(context.Background(), Deps{Spool: sp})
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for empty spool, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckUplinkSkipsWithoutClient(t *testing.T) {
	result := checkUplink(context.Background(), Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without uplink client, got %s", result.Status)
	}
}

func TestCheckPolicySkipsWithoutChecker(t *testing.T) {
	result := checkPolicy(context.Background(), Deps{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without policy checker, got %s", result.Status)
	}
}

func TestRunReturnsAllChecks(t *testing.T) {
	d := Run(context.Background(), Deps{})
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 check results, got %d", len(d.Results))
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("expected system info to be populated: %+v", d.System)
	}
}
