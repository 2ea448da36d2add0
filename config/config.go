// Package config loads the eventq YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/executor"
	"github.com/petal-labs/eventq/schedule"
)

const (
	projectConfigName = "eventq.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the declarative shape of eventq.yaml.
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Lanes      LaneConfig       `yaml:"lanes"`
	Log        LogConfig        `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// BusConfig configures the bus itself.
type BusConfig struct {
	LanePrefix   string        `yaml:"lane_prefix"`
	Silent       bool          `yaml:"silent"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LaneConfig applies to every lane the bus creates.
type LaneConfig struct {
	ReleaseGrace           time.Duration `yaml:"release_grace"`
	LongWaitThreshold      time.Duration `yaml:"long_wait_threshold"`
	LongExecutionThreshold time.Duration `yaml:"long_execution_threshold"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JournalConfig enables the failure journal. An empty SQLitePath keeps
// failures in memory.
type JournalConfig struct {
	SQLitePath     string        `yaml:"sqlite_path"`
	RetentionAge   time.Duration `yaml:"retention_age"`
	RetentionCount int           `yaml:"retention_count"`
}

// TelemetryConfig enables exporters. Empty values disable them.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// ScheduleConfig publishes Event whenever Spec fires.
type ScheduleConfig struct {
	Event string `yaml:"event"`
	Spec  string `yaml:"spec"`
}

// SimulationConfig shapes the simulated storage cluster of `eventq simulate`.
type SimulationConfig struct {
	Nodes             int           `yaml:"nodes"`
	ContainersPerNode int           `yaml:"containers_per_node"`
	ReplicationFactor int           `yaml:"replication_factor"`
	Rounds            int           `yaml:"rounds"`
	DeadNodes         int           `yaml:"dead_nodes"`
	DeadAfter         int           `yaml:"dead_after"`
	FullEvery         int           `yaml:"full_every"`
	ReportLanes       int           `yaml:"report_lanes"`
	CoalesceInterval  time.Duration `yaml:"coalesce_interval"`
	QuiescenceTimeout time.Duration `yaml:"quiescence_timeout"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Bus.PollInterval <= 0 {
		c.Bus.PollInterval = 100 * time.Millisecond
	}
	if c.Lanes.ReleaseGrace <= 0 {
		c.Lanes.ReleaseGrace = 5 * time.Second
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Journal.RetentionAge <= 0 {
		c.Journal.RetentionAge = 24 * time.Hour
	}
	if c.Journal.RetentionCount <= 0 {
		c.Journal.RetentionCount = 1000
	}
	if c.Simulation.CoalesceInterval <= 0 {
		c.Simulation.CoalesceInterval = c.Bus.PollInterval
	}
	return c
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var err error
	if _, lerr := ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format: unsupported format %q", c.Log.Format))
	}
	if c.Journal.RetentionCount < 0 {
		err = multierr.Append(err, errors.New("journal.retention_count: must not be negative"))
	}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Event) == "" {
			err = multierr.Append(err, fmt.Errorf("schedules[%d]: event is required", i))
		} else if verr := core.ValidateEventName(s.Event); verr != nil {
			err = multierr.Append(err, fmt.Errorf("schedules[%d]: %w", i, verr))
		}
		if _, perr := schedule.Parse(s.Spec); perr != nil {
			err = multierr.Append(err, fmt.Errorf("schedules[%d]: %w", i, perr))
		}
	}
	if c.Simulation.DeadNodes < 0 || (c.Simulation.Nodes > 0 && c.Simulation.DeadNodes >= c.Simulation.Nodes) {
		err = multierr.Append(err, fmt.Errorf("simulation.dead_nodes: %d leaves no live node", c.Simulation.DeadNodes))
	}
	return err
}

// BusOptions translates the bus and lane sections into bus options.
func (c Config) BusOptions(logger *slog.Logger) []bus.Option {
	return []bus.Option{
		bus.WithLogger(logger),
		bus.WithLanePrefix(c.Bus.LanePrefix),
		bus.WithSilent(c.Bus.Silent),
		bus.WithPollInterval(c.Bus.PollInterval),
		bus.WithLaneOptions(c.LaneOptions()...),
	}
}

// LaneOptions translates the lanes section into executor options.
func (c Config) LaneOptions() []executor.Option {
	return []executor.Option{
		executor.WithReleaseGrace(c.Lanes.ReleaseGrace),
		executor.WithLongWaitThreshold(c.Lanes.LongWaitThreshold),
		executor.WithLongExecutionThreshold(c.Lanes.LongExecutionThreshold),
	}
}

// ScheduleJobs resolves every schedule against lookup.
func (c Config) ScheduleJobs(lookup func(name string) (core.EventKey, bool)) ([]schedule.Job, error) {
	jobs := make([]schedule.Job, 0, len(c.Schedules))
	for i, s := range c.Schedules {
		key, ok := lookup(s.Event)
		if !ok {
			return nil, fmt.Errorf("schedules[%d]: unknown event %q", i, s.Event)
		}
		jobs = append(jobs, schedule.Job{Event: key, Spec: s.Spec})
	}
	return jobs, nil
}

// ParseLevel maps a level name to a slog level. "trace" is bus.LevelTrace.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return bus.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level: unsupported level %q", level)
	}
}

// NewLogger builds a logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unsupported format %q", l.Format)
	}
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".eventq", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads path, expands environment variables, and applies defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown keys, and applies defaults.
func Parse(data []byte) (Config, error) {
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg.WithDefaults(), nil
}
