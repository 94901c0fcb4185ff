// Package doctor implements the Host Daemon's read-only diagnostic sweep
// (§4.10): resolved tool binaries, spool health, uplink connection state,
// and external command availability, in the same CheckResult/Diagnosis
// shape the teacher's own doctor package reports over its CLI. Every check
// here is side-effect free; none of them start a run or open anything
// beyond a throwaway write probe and a DNS lookup.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/aipper/relay/internal/audit"
	"github.com/aipper/relay/internal/hostconfig"
	"github.com/aipper/relay/internal/policy"
	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/spool"
	"github.com/aipper/relay/internal/uplink"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go_version"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Deps carries every live component the checks need read access to. Any
// field may be nil/zero; the affected check degrades to SKIP rather than
// panicking.
type Deps struct {
	Config *hostconfig.Config
	BinMap *ptyrunner.BinMap
	Spool  *spool.Spool
	Uplink *uplink.Client
	Policy policy.Checker
}

// Run executes every diagnostic check and returns the aggregate report.
// The local-API rpc.host.doctor operation calls Run directly; it never
// mutates daemon state.
func Run(ctx context.Context, deps Deps) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Go:   runtime.Version(),
		},
	}

	checks := []func(context.Context, Deps) CheckResult{
		checkHomeWritable,
		checkToolBinaries,
		checkSpool,
		checkUplink,
		checkPolicy,
		checkExternalTools,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, deps))
	}
	return d
}

func checkHomeWritable(_ context.Context, deps Deps) CheckResult {
	if deps.Config == nil || deps.Config.HomeDir == "" {
		return CheckResult{Name: "Home Directory", Status: "SKIP", Message: "config not loaded"}
	}
	probe := filepath.Join(deps.Config.HomeDir, ".doctor_write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL", Message: fmt.Sprintf("unwritable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home Directory", Status: "PASS", Message: fmt.Sprintf("writable at %s", deps.Config.HomeDir)}
}

// checkToolBinaries reports, for every configured CLI, which binary the
// daemon would actually exec: a bin-map.json override, an env var
// override, or the PATH-resolved default.
func checkToolBinaries(_ context.Context, deps Deps) CheckResult {
	specs := ptyrunner.KnownToolSpecs()
	var details []string
	status := "PASS"
	for tool, spec := range specs {
		resolved := ptyrunner.ResolveToolBin(deps.BinMap, tool, spec.EnvVar, spec.DefaultBin)
		if err := ptyrunner.ValidateBinExists(resolved, tool); err != nil {
			details = append(details, fmt.Sprintf("%s: %v", tool, err))
			status = "WARN"
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s", tool, resolved))
	}
	return CheckResult{
		Name:    "Tool Binaries",
		Status:  status,
		Message: fmt.Sprintf("resolved %d configured CLIs", len(specs)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkSpool(ctx context.Context, deps Deps) CheckResult {
	if deps.Spool == nil {
		return CheckResult{Name: "Spool", Status: "SKIP", Message: "spool not open"}
	}
	total, err := deps.Spool.TotalBytes(ctx)
	if err != nil {
		return CheckResult{Name: "Spool", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	pending, err := deps.Spool.Pending(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Spool", Status: "FAIL", Message: fmt.Sprintf("pending query failed: %v", err)}
	}
	status := "PASS"
	msg := fmt.Sprintf("%d bytes on disk", total)
	if len(pending) > 0 {
		msg += ", backlog present (uplink may be offline)"
		status = "WARN"
	}
	return CheckResult{Name: "Spool", Status: status, Message: msg}
}

func checkUplink(_ context.Context, deps Deps) CheckResult {
	if deps.Uplink == nil {
		return CheckResult{Name: "Uplink", Status: "SKIP", Message: "uplink not constructed"}
	}
	st := deps.Uplink.Status()
	if st.Connected {
		return CheckResult{Name: "Uplink", Status: "PASS", Message: fmt.Sprintf("connected to %s", st.ServerBaseURL)}
	}
	msg := fmt.Sprintf("not connected to %s", st.ServerBaseURL)
	if st.LastError != "" {
		msg += fmt.Sprintf(" (last error: %s)", st.LastError)
	}
	return CheckResult{Name: "Uplink", Status: "WARN", Message: msg}
}

func checkPolicy(_ context.Context, deps Deps) CheckResult {
	if deps.Policy == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "no policy checker configured"}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("version %s", deps.Policy.PolicyVersion()),
		Detail:  fmt.Sprintf("deny_count=%d", audit.DenyCount()),
	}
}

func checkExternalTools(_ context.Context, _ Deps) CheckResult {
	var details []string
	status := "PASS"
	for _, name := range []string{"git", "rg"} {
		if path, err := exec.LookPath(name); err != nil {
			details = append(details, fmt.Sprintf("%s: missing", name))
			if name == "git" {
				status = "WARN"
			}
		} else {
			details = append(details, fmt.Sprintf("%s: %s", name, path))
		}
	}
	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("checked %d tools", len(details)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkNetwork(ctx context.Context, deps Deps) CheckResult {
	host := "127.0.0.1"
	if deps.Config != nil && deps.Config.ServerBaseURL != "" {
		if h := hostOf(deps.Config.ServerBaseURL); h != "" {
			host = h
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "WARN",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
