package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/collab"
	"github.com/mindburn-labs/loom/pkg/config"
	"github.com/mindburn-labs/loom/pkg/firewall"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
	"github.com/mindburn-labs/loom/pkg/orchestrator"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/mindburn-labs/loom/pkg/snapshot"
	"github.com/mindburn-labs/loom/pkg/telemetry"

	_ "modernc.org/sqlite"
)

// setupHistory opens (creating if needed) a local sqlite database under
// data/ and returns a ready-to-use SQLHistory, the same lite-mode
// sqlite-by-default storage choice the teacher's setupLiteMode makes for
// its ledger and receipt store.
func setupHistory(ctx context.Context) (*snapshot.SQLHistory, *sql.DB, error) {
	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "loom.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	h := snapshot.NewSQLHistory(db)
	if err := h.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init sqlite history: %w", err)
	}
	return h, db, nil
}

// runFlags is the parsed form of `loom run`'s flag surface.
type runFlags struct {
	mode     string
	cycle    string
	deadline time.Duration
	agent    string
}

func parseRunFlags(args []string) (runFlags, error) {
	f := runFlags{mode: "mock", cycle: "single", deadline: 30 * time.Second, agent: "echo"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--mode requires a value")
			}
			f.mode = args[i]
		case "--cycle":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--cycle requires a value")
			}
			f.cycle = args[i]
		case "--deadline":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--deadline requires a value")
			}
			d, err := time.ParseDuration(args[i])
			if err != nil {
				return f, fmt.Errorf("invalid --deadline %q: %w", args[i], err)
			}
			f.deadline = d
		case "--agent":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--agent requires a value")
			}
			f.agent = args[i]
		default:
			return f, fmt.Errorf("unrecognized flag %q", args[i])
		}
	}
	if f.mode != "mock" && f.mode != "live" {
		return f, fmt.Errorf(`--mode must be "mock" or "live", got %q`, f.mode)
	}
	if f.cycle != "single" && f.cycle != "continuous" {
		return f, fmt.Errorf(`--cycle must be "single" or "continuous", got %q`, f.cycle)
	}
	return f, nil
}

// runRunCmd wires the sentinel, lock manager, agent runtime, message bus,
// and snapshotter into a single running orchestrator and drives one or
// more coordination cycles against it, following the exit-code contract
// documented in printUsage: 0 completed, 1 recoverable error, 2 global
// abort/deadline, 3 configuration error.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	flags, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "loom: %v\n", err)
		return 3
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "loom: configuration error: %v\n", err)
		return 3
	}
	// --mode live switches the loaded config to broker mode and, like
	// BUS_MODE=broker, requires BROKER_BOOTSTRAP; the check is repeated
	// here because config.Load has already run.
	if flags.mode == "live" {
		cfg.BusMode = config.BusModeBroker
		if cfg.BrokerBootstrap == "" {
			fmt.Fprintf(stderr, "loom: configuration error: --mode live requires BROKER_BOOTSTRAP\n")
			return 3
		}
	}

	log := slog.New(slog.NewTextHandler(stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.DefaultConfig()
	if endpoint := os.Getenv("LOOM_OTEL_ENDPOINT"); endpoint != "" {
		telCfg.Enabled = true
		telCfg.OTLPEndpoint = endpoint
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		fmt.Fprintf(stderr, "loom: telemetry init failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	var b bus.Bus
	switch cfg.BusMode {
	case config.BusModeBroker:
		b = bus.NewBrokerBus(cfg.BrokerBootstrap)
	default:
		b = bus.NewMockBus()
	}
	defer b.Close()

	var auditSink sentinel.AuditSink
	switch cfg.AuditSink.Kind {
	case config.AuditSinkCSV:
		sink, err := sentinel.NewCSVAuditSink(cfg.AuditSink.Arg)
		if err != nil {
			fmt.Fprintf(stderr, "loom: configuration error: audit sink: %v\n", err)
			return 3
		}
		auditSink = sink
	case config.AuditSinkTopic:
		auditSink = sentinel.NewTopicAuditSink(b, cfg.AuditSink.Arg)
	}

	defaultLimits := config.DefaultAgentLimits()
	defaultLimits.SoftCap = 1000
	defaultLimits.HardCap = 1500
	defaultLimits.WallTimeLimit = cfg.DefaultWallTimeMs
	if err := defaultLimits.Validate(); err != nil {
		fmt.Fprintf(stderr, "loom: configuration error: %v\n", err)
		return 3
	}

	// GLOBAL_HARD_CAP has no default in config.Default (a production
	// deployment must set it deliberately); `loom run` without it would
	// otherwise abort the very first Track call, since the in-memory
	// GlobalCounter treats a zero cap as "no budget at all" rather than
	// "uncapped". Pick a demo-sized default here instead of loosening
	// that check.
	if cfg.GlobalHardCap == 0 {
		cfg.GlobalHardCap = 100_000
	}

	sent := sentinel.New(
		cfg.GlobalHardCap, cfg.CheckpointInterval,
		defaultLimits.WarnThreshold, defaultLimits.ThrottleThresh,
		defaultLimits,
		sentinel.WithAuditSink(auditSink),
		sentinel.WithLogger(log),
		sentinel.WithTelemetry(tel),
	)

	locks := lockmgr.New(lockmgr.WithLogger(log), lockmgr.WithTelemetry(tel))

	// The CLI's demo agent declares exactly one tool ("echo"); allowlisting
	// it here is what lets the firewall gate real deployments without
	// needing its own flag surface yet — a config-driven allowlist is a
	// natural extension once `loom run` takes more than one agent spec.
	fw := firewall.New()
	if err := fw.AllowTool("echo", ""); err != nil {
		fmt.Fprintf(stderr, "loom: configuration error: firewall: %v\n", err)
		return 3
	}

	rt := agentrt.New(b, sent, locks,
		agentrt.WithLogger(log),
		agentrt.WithRestartMax(cfg.RestartMax),
		agentrt.WithCancellationGrace(time.Duration(cfg.CancellationGraceMs)*time.Millisecond),
		agentrt.WithTelemetry(tel),
		agentrt.WithFirewall(fw),
	)

	detectorCtx, cancelDetector := context.WithCancel(ctx)
	defer cancelDetector()
	locks.StartDeadlockDetector(detectorCtx, time.Second)
	sent.StartWatchdog(detectorCtx, time.Second, rt.Running)

	handler := newEchoAgent(flags.agent)
	spec := agentrt.AgentSpec{Name: flags.agent, Handler: handler, Limits: defaultLimits}
	if _, err := rt.Spawn(ctx, spec); err != nil {
		fmt.Fprintf(stderr, "loom: failed to spawn agent %q: %v\n", flags.agent, err)
		return 1
	}

	history, db, err := setupHistory(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "loom: configuration error: %v\n", err)
		return 3
	}
	defer db.Close()

	sessionID := fmt.Sprintf("session-%d", time.Now().UnixNano())
	snap := snapshot.New(sessionID, "dev", sent, locks, rt, collab.GitVCS{})

	orch := orchestrator.New(sessionID, b, sent, rt, snap, collab.EnvTreasury{})

	var result *orchestrator.CycleResult
	rootPayload := map[string]any{"task": "demo"}

	switch flags.cycle {
	case "continuous":
		result, err = orch.RunContinuous(ctx, flags.agent, func(prev *orchestrator.CycleResult) any {
			return rootPayload
		}, flags.deadline)
	default:
		result, err = orch.RunCycle(ctx, flags.agent, rootPayload, flags.deadline)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if serr := rt.Shutdown(shutdownCtx); serr != nil {
		log.Warn("loom: runtime shutdown error", "error", serr)
	}

	if err != nil {
		fmt.Fprintf(stderr, "loom: run failed: %v\n", err)
		return 1
	}
	if result == nil {
		fmt.Fprintln(stderr, "loom: run produced no result")
		return 1
	}

	fmt.Fprintf(stdout, "status=%s reason=%q\n", result.Status, result.Reason)
	if result.Summary != nil {
		fmt.Fprintf(stdout, "context_hash=%s\n", result.Summary.ContextHash)
		if herr := history.Record(shutdownCtx, result.Summary); herr != nil {
			log.Warn("loom: failed to record snapshot history", "error", herr)
		}
	}
	for _, w := range result.Warnings {
		fmt.Fprintln(stdout, w.String())
	}

	switch result.Status {
	case orchestrator.StatusCompleted:
		return 0
	case orchestrator.StatusGlobalAbort, orchestrator.StatusDeadline:
		return 2
	default:
		return 1
	}
}
