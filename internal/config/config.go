// Package config resolves the pipeline's run configuration from CLI
// flags, environment variables, and defaults, following the teacher's
// cli/root.go precedence (flags > env > defaults) via
// github.com/spf13/viper bound to github.com/spf13/cobra flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Mode selects between in-situ masking and copy-to-destination masking.
type Mode string

const (
	ModeInSitu Mode = "in-situ"
	ModeCopy   Mode = "copy"
)

// Config is the fully resolved set of knobs spec.md §6 exposes, after CLI
// flags, environment variables, and defaults have been merged.
type Config struct {
	Collection string
	RulesFile  string

	SrcURI string
	SrcDB  string
	DstURI string
	DstDB  string

	Mode Mode

	BatchMin  int
	BatchInit int
	BatchMax  int

	Workers           int
	WriterParallelism int

	MemHighBytes int64
	MemLowBytes  int64

	CheckpointPath string
	Resume         bool
	Reset          bool

	DryRun bool
	Limit  int

	ProgressSeconds  int
	ProgressChannel  string
	ProgressRedisURI string
	LogLevel         string
	LogFormat        string
}

// Validate enforces the config-error class of spec.md §6's exit code 2:
// required fields present, numeric ranges sane, mode recognized.
func (c Config) Validate() error {
	var problems []string

	if c.Collection == "" {
		problems = append(problems, "--collection is required")
	}
	if c.SrcURI == "" {
		problems = append(problems, "--src-uri is required")
	}
	if c.SrcDB == "" {
		problems = append(problems, "--src-db is required")
	}
	if c.Mode != ModeInSitu && c.Mode != ModeCopy {
		problems = append(problems, fmt.Sprintf("--mode must be %q or %q, got %q", ModeInSitu, ModeCopy, c.Mode))
	}
	if c.BatchMin <= 0 || c.BatchMax <= 0 || c.BatchMin > c.BatchMax {
		problems = append(problems, "--batch-min must be positive and no greater than --batch-max")
	}
	if c.BatchInit < c.BatchMin || c.BatchInit > c.BatchMax {
		problems = append(problems, "--batch-init must fall within [--batch-min, --batch-max]")
	}
	if c.WriterParallelism <= 0 {
		problems = append(problems, "--writer-parallelism must be positive")
	}
	if c.ProgressChannel != "" && c.ProgressRedisURI == "" {
		problems = append(problems, "--progress-redis-uri is required when --progress-channel is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// BindFlags registers every flag spec.md §6's CLI surface names onto cmd
// and binds each to its viper key, so Load can read flag > env > default
// in one place regardless of which source actually supplied the value.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.String("collection", "", "collection name (required)")
	flags.String("rules", "", "rule file path (default: resolved from collection via mapping file)")
	flags.String("src-uri", "", "source store connection URI (required)")
	flags.String("src-db", "", "source database name (required)")
	flags.String("dst-uri", "", "destination store connection URI (default: same as src)")
	flags.String("dst-db", "", "destination database name (default: same as src)")
	flags.String("mode", string(ModeInSitu), "in-situ or copy")
	flags.Int("batch-min", 500, "minimum adaptive batch size")
	flags.Int("batch-init", 2000, "initial adaptive batch size")
	flags.Int("batch-max", 8000, "maximum adaptive batch size")
	flags.Int("workers", 0, "worker count (default: auto, min(logical cores, 32))")
	flags.Int("writer-parallelism", 4, "sink writer fan-out (validated only; commits run one batch at a time)")
	flags.Int64("mem-high-bytes", 2*1024*1024*1024, "high memory watermark in bytes")
	flags.Int64("mem-low-bytes", 1024*1024*1024, "low memory watermark in bytes")
	flags.String("checkpoint-path", "", "directory holding the checkpoint database")
	flags.Bool("resume", true, "resume from an existing checkpoint if present")
	flags.Bool("reset", false, "wipe any existing checkpoint and start over")
	flags.Bool("dry-run", false, "run the transformer only; skip the sink writer")
	flags.Int("limit", 0, "process at most N documents (0 = unlimited)")
	flags.Int("progress-seconds", 5, "progress log interval in seconds")
	flags.String("progress-channel", "", "optional Redis pub/sub channel for progress snapshots")
	flags.String("progress-redis-uri", "", "Redis connection URI for --progress-channel (required if set)")
	flags.String("log-level", "info", "debug, info, warn, or error")
	flags.String("log-format", "text", "text or json")

	for _, name := range []string{
		"collection", "rules", "src-uri", "src-db", "dst-uri", "dst-db", "mode",
		"batch-min", "batch-init", "batch-max", "workers", "writer-parallelism",
		"mem-high-bytes", "mem-low-bytes", "checkpoint-path", "resume", "reset",
		"dry-run", "limit", "progress-seconds", "progress-channel", "progress-redis-uri",
		"log-level", "log-format",
	} {
		v.BindPFlag(name, flags.Lookup(name))
	}
}

// NewViper returns a viper.Viper wired per spec.md §6's environment
// variable mapping: SRC_URI, SRC_DB, DST_URI, DST_DB, APP_LOG_LEVEL, with
// every other flag reachable via its upper-cased, dash-to-underscore name.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindEnv("src-uri", "SRC_URI")
	v.BindEnv("src-db", "SRC_DB")
	v.BindEnv("dst-uri", "DST_URI")
	v.BindEnv("dst-db", "DST_DB")
	v.BindEnv("log-level", "APP_LOG_LEVEL")
	return v
}

// Load resolves a Config from v (flags already bound via BindFlags take
// precedence; environment variables and defaults fill the rest) and
// validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Collection:        v.GetString("collection"),
		RulesFile:         v.GetString("rules"),
		SrcURI:            v.GetString("src-uri"),
		SrcDB:             v.GetString("src-db"),
		DstURI:            v.GetString("dst-uri"),
		DstDB:             v.GetString("dst-db"),
		Mode:              Mode(v.GetString("mode")),
		BatchMin:          v.GetInt("batch-min"),
		BatchInit:         v.GetInt("batch-init"),
		BatchMax:          v.GetInt("batch-max"),
		Workers:           v.GetInt("workers"),
		WriterParallelism: v.GetInt("writer-parallelism"),
		MemHighBytes:      v.GetInt64("mem-high-bytes"),
		MemLowBytes:       v.GetInt64("mem-low-bytes"),
		CheckpointPath:    v.GetString("checkpoint-path"),
		Resume:            v.GetBool("resume"),
		Reset:             v.GetBool("reset"),
		DryRun:            v.GetBool("dry-run"),
		Limit:             v.GetInt("limit"),
		ProgressSeconds:   v.GetInt("progress-seconds"),
		ProgressChannel:   v.GetString("progress-channel"),
		ProgressRedisURI:  v.GetString("progress-redis-uri"),
		LogLevel:          v.GetString("log-level"),
		LogFormat:         v.GetString("log-format"),
	}

	if cfg.DstURI == "" {
		cfg.DstURI = cfg.SrcURI
	}
	if cfg.DstDB == "" {
		cfg.DstDB = cfg.SrcDB
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
