package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/config"
	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/diag"
	"github.com/petal-labs/eventq/executor"
	"github.com/petal-labs/eventq/journal"
	"github.com/petal-labs/eventq/schedule"
	"github.com/petal-labs/eventq/scm"
)

const defaultTickSpec = "@every 5s"

// NewSimulateCmd creates the "simulate" subcommand.
func NewSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated storage control plane on the event bus",
		Long: "Registers the placement, replication and lifecycle managers on a bus, " +
			"drives node heartbeats and container reports from concurrent producers, " +
			"and prints per-lane statistics once the bus is quiescent.\n\n" +
			"Scheduled events fire in simulated time: after each round the scheduler's " +
			"clock jumps to the next firing of the configured schedules and every job " +
			"due at that instant is published.",
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Int("nodes", 0, "Number of simulated nodes (overrides config)")
	cmd.Flags().Int("rounds", 0, "Number of heartbeat rounds (overrides config)")
	cmd.Flags().Int("dead-nodes", -1, "Nodes that stop heartbeating after the first round (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Failure journal database (overrides journal.sqlite_path)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides telemetry.metrics_addr)")
	cmd.Flags().String("otlp-endpoint", "", "Export delivery spans to this OTLP/HTTP endpoint (overrides telemetry.otlp_endpoint)")

	return cmd
}

// laneRow is one line of the lane table.
type laneRow struct {
	Executor      string `json:"executor"`
	Queued        uint64 `json:"queued"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	LongWait      uint64 `json:"long_wait"`
	LongExecution uint64 `json:"long_execution"`
}

// simulateReport is the result of one simulate run.
type simulateReport struct {
	RunID       string    `json:"run_id"`
	Events      uint64    `json:"events"`
	Dispatches  uint64    `json:"dispatches"`
	LiveNodes   []string  `json:"live_nodes"`
	Replicated  []string  `json:"replicated"`
	Closed      []uint64  `json:"closed_containers"`
	Failures    int       `json:"failures"`
	Ticks       int       `json:"scheduled_events"`
	SimulatedAt time.Time `json:"simulated_at"`
	Lanes       []laneRow `json:"lanes"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`
}

func runSimulate(cmd *cobra.Command, _ []string) (retErr error) {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unsupported format %q", format)
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applySimulateFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(exitValidation, "invalid flags: %w", err)
	}

	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return exitError(exitValidation, "%w", err)
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	describer := diag.New()
	scm.RegisterSummaries(describer)

	failures, err := openJournal(cfg.Journal)
	if err != nil {
		return exitError(exitRuntime, "opening failure journal: %w", err)
	}
	defer func() {
		retErr = multierr.Append(retErr, failures.Close())
	}()

	tel := &telemetry{}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.close(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	if err := tel.setupTracing(ctx, cfg.Telemetry.OTLPEndpoint); err != nil {
		return exitError(exitRuntime, "%w", err)
	}
	if err := tel.instrument(); err != nil {
		return exitError(exitRuntime, "%w", err)
	}

	observer := executor.MultiObserver(journal.NewObserver(failures, describer, logger), tel.laneObserver)
	opts := append(cfg.BusOptions(logger),
		bus.WithDescriber(describer),
		bus.WithMetrics(tel.busMetrics),
		bus.WithLaneOptions(executor.WithObserver(observer)),
	)
	b := bus.New(opts...)
	defer func() {
		if err := b.Close(); err != nil {
			retErr = multierr.Append(retErr, exitError(exitRuntime, "closing bus: %w", err))
		}
	}()

	simCfg := simulationConfig(cfg.Simulation)
	cluster := scm.NewCluster(simCfg)
	laneOpts := append(cfg.LaneOptions(),
		executor.WithLogger(logger),
		executor.WithLabelPrefix(cfg.Bus.LanePrefix),
		executor.WithObserver(observer),
	)
	if err := cluster.Register(b, simCfg.WithDefaults().ReportLanes, laneOpts...); err != nil {
		return exitError(exitRuntime, "%w", err)
	}

	report := simulateReport{RunID: runID}
	if cfg.Telemetry.MetricsAddr != "" {
		addr, err := tel.serveMetrics(cfg.Telemetry.MetricsAddr, b, logger)
		if err != nil {
			return exitError(exitRuntime, "%w", err)
		}
		report.MetricsAddr = addr
		logger.Info("serving metrics", "addr", addr)
	}

	coalescer := bus.NewCoalescer(b, bus.CoalesceConfig{
		Interval: cfg.Simulation.CoalesceInterval,
		Events: map[core.EventKey]func(any) string{
			scm.NodeHeartbeat.Key(): scm.HeartbeatNode,
		},
	})
	defer coalescer.Close()

	clk := clock.NewMock()
	clk.Set(time.Now().UTC())
	sched, err := newScheduler(cfg, b, clk, logger)
	if err != nil {
		return exitError(exitValidation, "%w", err)
	}
	tick := func() {
		advanceToNextFiring(clk, sched)
		report.Ticks += sched.RunOnce()
	}

	sim := scm.NewSimulation(simCfg)
	logger.Info("simulation starting",
		"nodes", len(sim.Nodes),
		"rounds", sim.Config().Rounds,
		"dead_nodes", sim.Config().DeadNodes,
	)
	if err := sim.Run(ctx, b, coalescer, tick); err != nil {
		var timeout *bus.QuiescenceTimeoutError
		if errors.As(err, &timeout) {
			return exitError(exitTimeout, "%w", err)
		}
		return exitError(exitRuntime, "simulation: %w", err)
	}

	coalescer.Close()
	if err := b.WaitUntilQuiescent(sim.Config().QuiescenceTimeout); err != nil {
		return exitError(exitTimeout, "%w", err)
	}

	stats := b.Stats()
	report.Events = stats.EventsObserved
	report.Dispatches = stats.DispatchAttempts
	report.LiveNodes = cluster.Placement.Live()
	for _, c := range cluster.Replication.Issued() {
		report.Replicated = append(report.Replicated, c.String())
	}
	report.Closed = cluster.Lifecycle.Closed()
	report.SimulatedAt = clk.Now().UTC()
	entries, err := failures.List(ctx, "", 0, 0)
	if err != nil {
		return exitError(exitRuntime, "reading failure journal: %w", err)
	}
	report.Failures = len(entries)
	for _, lane := range b.Lanes() {
		report.Lanes = append(report.Lanes, laneRow{
			Executor:      lane.Name,
			Queued:        lane.Stats.Queued,
			Succeeded:     lane.Stats.Succeeded,
			Failed:        lane.Stats.Failed,
			LongWait:      lane.Stats.LongWait,
			LongExecution: lane.Stats.LongExecution,
		})
	}

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printSimulateReport(cmd.OutOrStdout(), report)
	return nil
}

func applySimulateFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("nodes") {
		cfg.Simulation.Nodes, _ = flags.GetInt("nodes")
	}
	if flags.Changed("rounds") {
		cfg.Simulation.Rounds, _ = flags.GetInt("rounds")
	}
	if flags.Changed("dead-nodes") {
		cfg.Simulation.DeadNodes, _ = flags.GetInt("dead-nodes")
	}
	if v, _ := flags.GetString("sqlite-path"); v != "" {
		cfg.Journal.SQLitePath = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v, _ := flags.GetString("otlp-endpoint"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

func simulationConfig(c config.SimulationConfig) scm.SimulationConfig {
	return scm.SimulationConfig{
		Nodes:             c.Nodes,
		ContainersPerNode: c.ContainersPerNode,
		ReplicationFactor: c.ReplicationFactor,
		Rounds:            c.Rounds,
		DeadNodes:         c.DeadNodes,
		DeadAfter:         c.DeadAfter,
		FullEvery:         c.FullEvery,
		ReportLanes:       c.ReportLanes,
		QuiescenceTimeout: c.QuiescenceTimeout,
	}
}

func openJournal(cfg config.JournalConfig) (journal.Journal, error) {
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		return journal.NewMemJournal(), nil
	}
	return journal.OpenSQLite(journal.SQLiteConfig{
		DSN:            cfg.SQLitePath,
		RetentionAge:   cfg.RetentionAge,
		RetentionCount: cfg.RetentionCount,
	})
}

// newScheduler builds the scheduler whose jobs drive the simulation ticks. The
// replication tick is scheduled when the config names no schedules.
func newScheduler(cfg config.Config, pub core.Publisher, clk clock.Clock, logger *slog.Logger) (*schedule.Scheduler, error) {
	jobs, err := cfg.ScheduleJobs(scm.Lookup)
	if err != nil {
		return nil, err
	}
	timeKind := scm.ReplicationTick.Key().PayloadKind
	for _, job := range jobs {
		if job.Event.PayloadKind != timeKind {
			return nil, fmt.Errorf("scheduled event %s carries %s, not %s", job.Event.Name, job.Event.PayloadKind, timeKind)
		}
	}
	if len(jobs) == 0 {
		jobs = []schedule.Job{{Event: scm.ReplicationTick.Key(), Spec: defaultTickSpec}}
	}
	return schedule.New(schedule.Config{Publisher: pub, Jobs: jobs, Clock: clk, Logger: logger})
}

// advanceToNextFiring moves clk to the earliest pending firing of sched.
func advanceToNextFiring(clk *clock.Mock, sched *schedule.Scheduler) {
	var next time.Time
	for _, t := range sched.Next() {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	if next.After(clk.Now()) {
		clk.Set(next)
	}
}

func printSimulateReport(w io.Writer, r simulateReport) {
	fmt.Fprintf(w, "Run %s: %d events, %d dispatches, %d failures\n", r.RunID, r.Events, r.Dispatches, r.Failures)
	fmt.Fprintf(w, "Scheduled events: %d (simulated clock %s)\n", r.Ticks, r.SimulatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Live nodes: %s\n", strings.Join(r.LiveNodes, ", "))
	for _, c := range r.Replicated {
		fmt.Fprintf(w, "Replicated %s\n", c)
	}
	if len(r.Closed) > 0 {
		fmt.Fprintf(w, "Closed containers: %v\n", r.Closed)
	}
	fmt.Fprintln(w)

	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "EXECUTOR\tQUEUED\tSUCCEEDED\tFAILED\tLONG_WAIT\tLONG_EXEC")
	for _, l := range r.Lanes {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\n",
			l.Executor, l.Queued, l.Succeeded, l.Failed, l.LongWait, l.LongExecution)
	}
	_ = writer.Flush()
}
