// Command hostd is the Relay Host Daemon: it supervises interactive CLI
// runs under a PTY, exposes a local control API over a unix socket, and
// maintains a durable outbound connection to a Server Broker so a remote
// app can watch and drive those runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/audit"
	"github.com/aipper/relay/internal/doctor"
	"github.com/aipper/relay/internal/hostconfig"
	"github.com/aipper/relay/internal/localapi"
	"github.com/aipper/relay/internal/obs"
	"github.com/aipper/relay/internal/policy"
	"github.com/aipper/relay/internal/protocol"
	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/redact"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/spool"
	"github.com/aipper/relay/internal/telemetry"
	"github.com/aipper/relay/internal/toolbridge"
	"github.com/aipper/relay/internal/toolbridge/mcp"
	"github.com/aipper/relay/internal/uplink"

	"github.com/fsnotify/fsnotify"
)

const spoolMaxBytes = 256 << 20

func main() {
	cfg, err := hostconfig.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, "info", false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("hostd starting", "host_id", cfg.HostID, "server_base", cfg.ServerBaseURL, "sock", cfg.LocalUnixSocket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp, err := spool.Open(cfg.SpoolDBPath, spoolMaxBytes)
	if err != nil {
		fatalStartup(logger, "E_SPOOL_OPEN", err)
	}
	defer sp.Close()

	go runPeriodicPrune(ctx, sp, cfg.SpoolPruneIntervalSeconds, cfg.SpoolRetentionDays, logger)

	obsProvider, err := obs.Init(ctx, obs.Config{
		Enabled:     cfg.ObsEnabled,
		Exporter:    cfg.ObsExporter,
		Endpoint:    cfg.ObsEndpoint,
		ServiceName: "relay-hostd",
	})
	if err != nil {
		fatalStartup(logger, "E_OBS_INIT", err)
	}
	defer obsProvider.Shutdown(context.Background())
	metrics, err := obs.NewMetrics(obsProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OBS_METRICS", err)
	}
	if err := metrics.RegisterSpoolDepthCallback(obsProvider.Meter, func() int64 {
		total, err := sp.TotalBytes(context.Background())
		if err != nil {
			return 0
		}
		return total
	}); err != nil {
		logger.Warn("obs: spool depth gauge registration failed", "error", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	policyData, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(policyData)
	logger.Info("policy loaded", "policy_version", livePolicy.PolicyVersion(), "path", cfg.PolicyPath)
	go watchPolicy(ctx, cfg.PolicyPath, livePolicy, logger)

	redactor, err := redact.New(cfg.RedactionExtraRegex)
	if err != nil {
		fatalStartup(logger, "E_REDACTOR_INIT", err)
	}

	// outbound fans every event the Runner and Tool Bridge emit out to
	// both the spool (for durability/replay) and the uplink client (for
	// live delivery), mirroring the broadcast-channel-plus-subscriber
	// shape of the original daemon.
	outbound := make(chan protocol.Envelope, 2048)
	sink := &fanoutSink{spool: sp, outbound: outbound}

	approvals := approval.New()
	binMap := ptyrunner.NewBinMap()
	defer binMap.Close()

	runner := ptyrunner.New(cfg.HostID, sink, redactor, approvals, binMap)
	bridge := toolbridge.New(sink, runner, approvals, livePolicy)

	if len(cfg.MCPServers) > 0 {
		mcpManager := mcp.NewManager(cfg.MCPServers, logger)
		mcpManager.Start(ctx)
		bridge.SetMCPManager(mcpManager)
		defer mcpManager.Stop()
	}

	exec := &rpcExecutor{runner: runner, bridge: bridge, cfg: &cfg, binMap: binMap, spool: sp, policy: livePolicy, metrics: metrics}

	local := localapi.New(runner, bridge, exec.runDoctor)
	go func() {
		if err := local.Serve(cfg.LocalUnixSocket); err != nil {
			logger.Error("local api stopped", "error", err)
		}
	}()

	dispatcher := uplink.HostDispatcher{
		Runner:   runner,
		Executor: exec,
		Outbound: outbound,
	}
	client := uplink.New(cfg.HostID, cfg.HostToken, cfg.ServerBaseURL, sp, dispatcher, outbound)
	exec.uplink = client
	client.Run(ctx)

	logger.Info("hostd shutdown complete")
}

// fanoutSink satisfies both ptyrunner.EventSink and toolbridge.EventSink:
// every event lands in the spool for offline replay, and is handed to the
// uplink client for immediate delivery when connected.
type fanoutSink struct {
	spool    *spool.Spool
	outbound chan<- protocol.Envelope
}

func (s *fanoutSink) Emit(ctx context.Context, env protocol.Envelope) error {
	if env.RunID != "" && env.Seq != 0 {
		if err := s.spool.Insert(ctx, env); err != nil {
			return err
		}
	}
	select {
	case s.outbound <- env:
	default:
		slog.Warn("hostd: outbound channel full, dropping live event", "type", env.Type, "run_id", env.RunID)
	}
	return nil
}

// rpcExecutor runs an rpc.<op> request's args against the Tool Bridge or
// the PTY Runner and returns its result value, satisfying
// uplink.RPCExecutor. The doctor-only fields are populated after
// construction (uplink is a forward reference: the client that owns this
// executor doesn't exist yet when the executor is built).
type rpcExecutor struct {
	runner *ptyrunner.Runner
	bridge *toolbridge.Bridge
	cfg     *hostconfig.Config
	binMap  *ptyrunner.BinMap
	spool   *spool.Spool
	policy  *policy.LivePolicy
	uplink  *uplink.Client
	metrics *obs.Metrics
}

// runDoctor runs the read-only diagnostic sweep (§4.10) against the
// daemon's live components. Shared by the local-API /doctor route and the
// rpc.host.doctor operation so both surfaces report identically.
func (e *rpcExecutor) runDoctor(ctx context.Context) doctor.Diagnosis {
	return doctor.Run(ctx, doctor.Deps{
		Config: e.cfg,
		BinMap: e.binMap,
		Spool:  e.spool,
		Uplink: e.uplink,
		Policy: e.policy,
	})
}

func (e *rpcExecutor) ExecuteRPC(ctx context.Context, runID, op string, args json.RawMessage) (any, error) {
	if err := protocol.ValidateRPCArgs(op, args); err != nil {
		return nil, relayerr.Wrap(relayerr.KindProtocol, "invalid rpc args", err)
	}
	switch op {
	case protocol.OpHostDoctor:
		return e.runDoctor(ctx), nil
	case protocol.OpRunStart:
		var a protocol.RunStartArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode run.start args", err)
		}
		id, err := e.runner.StartRun(ctx, a.Tool, a.Cmd, a.CWD)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil && e.metrics.RunsStarted != nil {
			e.metrics.RunsStarted.Add(ctx, 1)
		}
		return protocol.RunStartResult{RunID: id}, nil
	case protocol.OpFSRead:
		var a protocol.FSReadArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode fs.read args", err)
		}
		return e.bridge.FSRead(ctx, runID, "app", a)
	case protocol.OpFSList:
		var a protocol.FSListArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode fs.list args", err)
		}
		return e.bridge.FSList(ctx, runID, "app", a)
	case protocol.OpFSSearch:
		var a protocol.FSSearchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode fs.search args", err)
		}
		return e.bridge.FSSearch(ctx, runID, "app", a)
	case protocol.OpFSWrite:
		var a protocol.FSWriteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode fs.write args", err)
		}
		return e.bridge.FSWrite(ctx, runID, "app", a)
	case protocol.OpGitStatus:
		var a protocol.GitStatusArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode git.status args", err)
		}
		return e.bridge.GitStatus(ctx, runID, "app", a)
	case protocol.OpGitDiff:
		var a protocol.GitDiffArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode git.diff args", err)
		}
		return e.bridge.GitDiff(ctx, runID, "app", a)
	case protocol.OpBash:
		var a protocol.BashArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode bash args", err)
		}
		return e.bridge.Bash(ctx, runID, "app", a)
	case protocol.OpToolMCP:
		var a protocol.MCPCallArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, relayerr.Wrap(relayerr.KindProtocol, "decode tool.mcp args", err)
		}
		return e.bridge.MCPCall(ctx, runID, "app", a)
	default:
		return nil, relayerr.New(relayerr.KindProtocol, fmt.Sprintf("unknown rpc op %q", op))
	}
}

// watchPolicy hot-reloads policy.yaml without restarting the daemon. On a
// reload error the previously loaded policy stays active; the operator
// must fix the file and save again.
func watchPolicy(ctx context.Context, path string, live *policy.LivePolicy, logger *slog.Logger) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("policy watcher unavailable", "error", err)
		return
	}
	defer fsw.Close()
	if err := fsw.Add(path); err != nil {
		// policy.yaml may not exist yet; hot reload is best-effort, not a
		// startup requirement.
		logger.Info("policy watch inactive, file not present yet", "path", path)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := policy.ReloadFromFile(live, path); err != nil {
				logger.Error("policy reload rejected, keeping previous policy", "error", err)
				continue
			}
			logger.Info("policy reloaded", "policy_version", live.PolicyVersion())
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Error("policy watcher error", "error", err)
		}
	}
}

func runPeriodicPrune(ctx context.Context, sp *spool.Spool, intervalSeconds, retentionDays int, logger *slog.Logger) {
	interval := time.Duration(intervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sp.Compact(ctx); err != nil {
				logger.Warn("spool compact failed", "error", err)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
