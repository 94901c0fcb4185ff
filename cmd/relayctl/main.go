// Command relayctl is the operator's local CLI for a running Host
// Daemon: today it carries a single subcommand, doctor, which hits the
// daemon's local-API /doctor route (rpc.host.doctor, §4.10) over its
// unix socket and renders the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/aipper/relay/internal/doctor"
	"github.com/aipper/relay/internal/hostconfig"
	"github.com/aipper/relay/internal/statusview"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "doctor" {
		fmt.Fprintf(os.Stderr, "usage: %s doctor [-tui] [-socket path]\n", os.Args[0])
		os.Exit(2)
	}
	os.Exit(runDoctorCommand(context.Background(), os.Args[2:], os.Stdout))
}

// runDoctorCommand resolves the target socket, fetches the daemon's
// diagnosis, and renders it. Returns a process exit code: 2 for a flag
// parse error, 1 if the daemon couldn't be reached or any check FAILed,
// 0 otherwise. Kept separate from main so it's testable against a fake
// unix-socket server instead of a real daemon.
func runDoctorCommand(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	socket := fs.String("socket", "", "path to the hostd local unix socket (defaults to the daemon's configured path)")
	autoTUI := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	tuiMode := fs.Bool("tui", autoTUI, "render as a live bubbletea view instead of printing once and exiting (defaults to on when stdout is a terminal)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sockPath := *socket
	if sockPath == "" {
		cfg, err := hostconfig.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: resolve default socket: %v\n", err)
			return 1
		}
		sockPath = cfg.LocalUnixSocket
	}

	client := unixHTTPClient(sockPath)
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	diag, err := fetchDoctor(fetchCtx, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		return 1
	}

	if !*tuiMode {
		printPlain(stdout, diag)
		if hasFailure(diag) {
			return 1
		}
		return 0
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	if err := statusview.Run(runCtx, func() statusview.Snapshot {
		return statusview.Snapshot{Diagnosis: diag}
	}, true); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		return 1
	}
	return 0
}

func unixHTTPClient(sockPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}

func fetchDoctor(ctx context.Context, client *http.Client) (doctor.Diagnosis, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/doctor", nil)
	if err != nil {
		return doctor.Diagnosis{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return doctor.Diagnosis{}, fmt.Errorf("dial hostd local socket: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return doctor.Diagnosis{}, fmt.Errorf("hostd returned %d: %s", resp.StatusCode, string(body))
	}
	var diag doctor.Diagnosis
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		return doctor.Diagnosis{}, fmt.Errorf("decode doctor response: %w", err)
	}
	return diag, nil
}

func printPlain(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "Relay Host Doctor (%s %s, go%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	for _, r := range diag.Results {
		line := fmt.Sprintf("[%-4s] %-16s %s", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			line += " (" + r.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func hasFailure(diag doctor.Diagnosis) bool {
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}
