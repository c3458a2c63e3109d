// Package config loads the typed ensemble configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// BranchFrom selects the run every spinoff branch resumes from.
type BranchFrom string

const (
	// BranchFromSpinup forks branches from the last spinup run.
	BranchFromSpinup BranchFrom = "spinup"
	// BranchFromSpinon forks branches from the last spinon run.
	BranchFromSpinon BranchFrom = "spinon"
)

const (
	DriverExec   = "exec"
	DriverDryRun = "dryrun"

	ArchiveNone  = "none"
	ArchiveS3    = "s3"
	ArchiveMinIO = "minio"

	defaultRestartFile = "restarts/res%04d.tar.gz"
	defaultListen      = ""
)

// Config represents the full ensemble configuration file.
type Config struct {
	Experiment Experiment         `yaml:"experiment"`
	Ensemble   EnsembleParameters `yaml:"ensemble"`
	Execution  Execution          `yaml:"execution"`
	Driver     Driver             `yaml:"driver"`
	Archive    Archive            `yaml:"archive"`
	Database   Database           `yaml:"database"`
	Notify     Notify             `yaml:"notify"`
	HTTP       HTTP               `yaml:"http"`
}

type Experiment struct {
	Name       string      `yaml:"name"`
	DataDir    string      `yaml:"data_dir"`
	Resolution *Resolution `yaml:"resolution"`
}

// Resolution names an experiment when no explicit name is given.
type Resolution struct {
	Horizontal string `yaml:"horizontal"`
	Vertical   int    `yaml:"vertical"`
	Temporal   int    `yaml:"temporal"`
}

// ExperimentName renders the resH<h>V<v>T<t> identifier.
func (r Resolution) ExperimentName() string {
	return fmt.Sprintf("resH%sV%dT%d", r.Horizontal, r.Vertical, r.Temporal)
}

// EnsembleParameters are the immutable scheduling inputs, all in hours.
type EnsembleParameters struct {
	DurationSpinup   Duration   `yaml:"duration_spinup"`
	DurationChunkMax Duration   `yaml:"duration_chunk_max"`
	DurationSpinon   Duration   `yaml:"duration_spinon"`
	DurationSpinoff  Duration   `yaml:"duration_spinoff"`
	BranchCount      int        `yaml:"branch_count"`
	BranchFrom       BranchFrom `yaml:"branch_from"`
}

type Execution struct {
	CoresPerRun   int           `yaml:"cores_per_run"`
	TotalCores    int           `yaml:"total_cores"`
	Parallelism   int           `yaml:"parallelism"`
	DrainOnCancel *bool         `yaml:"drain_on_cancel"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
	Retry         Retry         `yaml:"retry"`
}

// Retry is the caller-side retry policy around a chunk execution.
type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Driver struct {
	Kind        string   `yaml:"kind"`
	Command     []string `yaml:"command"`
	Workdir     string   `yaml:"workdir"`
	RestartFile string   `yaml:"restart_file"`
}

type Archive struct {
	Kind      string `yaml:"kind"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Database struct {
	URL string `yaml:"url"`
}

type Notify struct {
	WebhookURL string `yaml:"webhook_url"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

// Duration is a simulated-time extent in hours. In YAML it is either a bare
// integer (hours) or a string with an h or d suffix.
type Duration protocol.Hours

// Hours returns d as protocol hours.
func (d Duration) Hours() protocol.Hours {
	return protocol.Hours(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	hours, err := ParseHours(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(hours)
	return nil
}

// ParseHours parses "240", "240h" or "10d" into hours.
func ParseHours(value string) (protocol.Hours, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return 0, errors.New("empty duration")
	}
	multiplier := protocol.Hours(1)
	switch {
	case strings.HasSuffix(value, "d"):
		multiplier = protocol.HoursPerDay
		value = strings.TrimSuffix(value, "d")
	case strings.HasSuffix(value, "h"):
		value = strings.TrimSuffix(value, "h")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}
	if n > math.MaxInt64/int64(multiplier) || n < math.MinInt64/int64(multiplier) {
		return 0, fmt.Errorf("duration %q overflows hours", value)
	}
	return protocol.Hours(n) * multiplier, nil
}

// Load reads, decodes and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with strict field checking, applies defaults and
// environment overrides, then validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Experiment.Name == "" && c.Experiment.Resolution != nil {
		c.Experiment.Name = c.Experiment.Resolution.ExperimentName()
	}
	if c.Ensemble.BranchFrom == "" {
		c.Ensemble.BranchFrom = BranchFromSpinup
	}
	if c.Execution.CoresPerRun == 0 {
		c.Execution.CoresPerRun = 4
	}
	if c.Execution.DrainOnCancel == nil {
		drain := true
		c.Execution.DrainOnCancel = &drain
	}
	if c.Execution.Retry.MaxAttempts == 0 {
		c.Execution.Retry.MaxAttempts = 1
	}
	if c.Execution.Retry.InitialInterval == 0 {
		c.Execution.Retry.InitialInterval = 30 * time.Second
	}
	if c.Execution.Retry.MaxInterval == 0 {
		c.Execution.Retry.MaxInterval = 10 * time.Minute
	}
	if c.Driver.Kind == "" {
		c.Driver.Kind = DriverExec
	}
	if c.Driver.RestartFile == "" {
		c.Driver.RestartFile = defaultRestartFile
	}
	if c.Archive.Kind == "" {
		c.Archive.Kind = ArchiveNone
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = defaultListen
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && c.Database.URL == "" {
		c.Database.URL = v
	}
	if v, ok := lookup("CHUNKRUN_WEBHOOK_URL"); ok && c.Notify.WebhookURL == "" {
		c.Notify.WebhookURL = v
	}
	if v, ok := lookup("CHUNKRUN_ARCHIVE_ACCESS_KEY"); ok {
		c.Archive.AccessKey = v
	}
	if v, ok := lookup("CHUNKRUN_ARCHIVE_SECRET_KEY"); ok {
		c.Archive.SecretKey = v
	}
}

// Validate checks the configuration once, failing fast on unusable values.
func (c Config) Validate() error {
	var errs []error
	e := c.Ensemble

	for name, d := range map[string]Duration{
		"duration_spinup":    e.DurationSpinup,
		"duration_chunk_max": e.DurationChunkMax,
		"duration_spinon":    e.DurationSpinon,
		"duration_spinoff":   e.DurationSpinoff,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("ensemble.%s must be >= 0, got %d", name, d))
		}
	}
	active := e.DurationSpinup > 0 || e.DurationSpinon > 0 || (e.DurationSpinoff > 0 && e.BranchCount > 0)
	if active && e.DurationChunkMax <= 0 {
		errs = append(errs, errors.New("ensemble.duration_chunk_max must be > 0 when any phase has a duration"))
	}
	if e.BranchCount < 0 {
		errs = append(errs, fmt.Errorf("ensemble.branch_count must be >= 0, got %d", e.BranchCount))
	}
	switch e.BranchFrom {
	case BranchFromSpinup, BranchFromSpinon:
	default:
		errs = append(errs, fmt.Errorf("ensemble.branch_from must be spinup or spinon, got %q", e.BranchFrom))
	}

	x := c.Execution
	if x.CoresPerRun <= 0 {
		errs = append(errs, errors.New("execution.cores_per_run must be > 0"))
	}
	if x.TotalCores < 0 || x.Parallelism < 0 {
		errs = append(errs, errors.New("execution.total_cores and execution.parallelism must be >= 0"))
	}
	if x.ChunkTimeout < 0 {
		errs = append(errs, errors.New("execution.chunk_timeout must be >= 0"))
	}
	if x.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("execution.retry.max_attempts must be >= 1"))
	}

	switch c.Driver.Kind {
	case DriverExec:
		if len(c.Driver.Command) == 0 {
			errs = append(errs, errors.New("driver.command is required for the exec driver"))
		}
		if c.Experiment.DataDir == "" {
			errs = append(errs, errors.New("experiment.data_dir is required for the exec driver"))
		}
		if !strings.Contains(c.Driver.RestartFile, "%") {
			errs = append(errs, errors.New("driver.restart_file must contain a run id verb such as %04d"))
		}
	case DriverDryRun:
	default:
		errs = append(errs, fmt.Errorf("driver.kind must be exec or dryrun, got %q", c.Driver.Kind))
	}

	switch c.Archive.Kind {
	case ArchiveNone:
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required for s3"))
		}
	case ArchiveMinIO:
		if c.Archive.Bucket == "" || c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.bucket and archive.endpoint are required for minio"))
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			errs = append(errs, errors.New("archive.access_key and archive.secret_key are required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.kind must be none, s3 or minio, got %q", c.Archive.Kind))
	}

	return errors.Join(errs...)
}

// EffectiveParallelism is the number of spinoff branches allowed to run at once.
func (x Execution) EffectiveParallelism() int {
	if x.Parallelism > 0 {
		return x.Parallelism
	}
	if x.TotalCores > 0 && x.CoresPerRun > 0 {
		if n := x.TotalCores / x.CoresPerRun; n > 0 {
			return n
		}
	}
	return 1
}
