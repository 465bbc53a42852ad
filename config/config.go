package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	SourceSpool = "spool"
	SourceMbox  = "mbox"
	SourceIMAP  = "imap"

	envPrefix = "MAILNORM"
)

// Config captures all options required for one normalization run.
type Config struct {
	SpoolDir string
	MboxPath string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPFolder         string
	MarkSeen           bool
	SkipPersonal       bool

	OutputDir    string
	StateDir     string
	StateBackend string
	Force        bool

	ImageFormat   string
	JPEGQuality   int
	DPI           int
	MaxPages      int
	Pdftoppm      string
	RasterTimeout time.Duration
	DedupScope    string

	Workers      int
	SanitizeHTML bool
	DryRun       bool

	LogLevel    string
	LogDir      string
	MetricsAddr string
	Progress    bool

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Source names the single message source selected for the run.
func (c Config) Source() string {
	switch {
	case c.SpoolDir != "":
		return SourceSpool
	case c.MboxPath != "":
		return SourceMbox
	case c.IMAPHost != "":
		return SourceIMAP
	default:
		return ""
	}
}

// ConfigError reports missing or invalid settings. It is fatal at startup.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "config: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML config file; keys match flag names")

	flags.String("spool", "", "Directory of <id>.eml files to normalize")
	flags.String("mbox", "", "Path to an .mbox archive to normalize")
	flags.String("imap-host", "", "IMAP server hostname to collect unseen mail from")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder to collect from")
	flags.Bool("mark-seen", true, "Flag collected IMAP messages as \\Seen")
	flags.Bool("skip-personal", false, "Skip IMAP messages addressed directly to the IMAP user")

	flags.String("output-dir", "content", "Directory for JSON records and page images")
	flags.String("state-dir", defaultStateDir, "Directory for processed-message and fingerprint state")
	flags.String("state-backend", "file", "State backend: file or sqlite")
	flags.Bool("force", false, "Reprocess messages already recorded as processed")

	flags.String("image-format", "jpeg", "Page image format: jpeg or png")
	flags.Int("jpeg-quality", 85, "JPEG quality (1-100)")
	flags.Int("dpi", 150, "Rasterization resolution")
	flags.Int("max-pages", 0, "Render at most this many pages per PDF (0 renders all)")
	flags.String("pdftoppm", "pdftoppm", "Path to the poppler pdftoppm binary")
	flags.Duration("raster-timeout", time.Minute, "Time limit for rasterizing one attachment")
	flags.String("dedup-scope", "message", "Image dedup scope: message or global")

	flags.Int("workers", 2, "Number of messages processed concurrently")
	flags.Bool("sanitize-html", false, "Sanitize html_contents with a UGC policy")
	flags.Bool("dry-run", false, "Run the pipeline without writing records, images or state")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.Bool("progress", true, "Show a progress bar when logging at info level")

	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig merges flags, MAILNORM_* environment variables and the optional
// config file, then validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, configErrorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		SpoolDir:           strings.TrimSpace(v.GetString("spool")),
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		IMAPFolder:         v.GetString("imap-folder"),
		MarkSeen:           v.GetBool("mark-seen"),
		SkipPersonal:       v.GetBool("skip-personal"),
		OutputDir:          v.GetString("output-dir"),
		StateDir:           v.GetString("state-dir"),
		StateBackend:       strings.ToLower(v.GetString("state-backend")),
		Force:              v.GetBool("force"),
		ImageFormat:        strings.ToLower(v.GetString("image-format")),
		JPEGQuality:        v.GetInt("jpeg-quality"),
		DPI:                v.GetInt("dpi"),
		MaxPages:           v.GetInt("max-pages"),
		Pdftoppm:           v.GetString("pdftoppm"),
		RasterTimeout:      v.GetDuration("raster-timeout"),
		DedupScope:         strings.ToLower(v.GetString("dedup-scope")),
		Workers:            v.GetInt("workers"),
		SanitizeHTML:       v.GetBool("sanitize-html"),
		DryRun:             v.GetBool("dry-run"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
		MetricsAddr:        v.GetString("metrics-addr"),
		Progress:           v.GetBool("progress"),
		IncludeHeader:      patterns(cmd, v, "include-header"),
		IncludeBody:        patterns(cmd, v, "include-body"),
		ExcludeHeader:      patterns(cmd, v, "exclude-header"),
		ExcludeBody:        patterns(cmd, v, "exclude-body"),
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.ImageFormat == "jpg" {
		cfg.ImageFormat = "jpeg"
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cfg and returns a *ConfigError describing the first problem.
func Validate(cfg Config) error {
	sources := 0
	for _, s := range []string{cfg.SpoolDir, cfg.MboxPath, cfg.IMAPHost} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		return configErrorf("one of --spool, --mbox or --imap-host is required")
	case sources > 1:
		return configErrorf("--spool, --mbox and --imap-host are mutually exclusive")
	}

	if cfg.IMAPHost != "" {
		if cfg.IMAPUser == "" {
			return configErrorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return configErrorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return configErrorf("--imap-port must be between 1 and 65535")
		}
	}

	if cfg.OutputDir == "" {
		return configErrorf("--output-dir is required")
	}

	switch cfg.StateBackend {
	case "file", "sqlite":
	default:
		return configErrorf("invalid --state-backend: %s", cfg.StateBackend)
	}

	switch cfg.ImageFormat {
	case "jpeg", "png":
	default:
		return configErrorf("invalid --image-format: %s", cfg.ImageFormat)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return configErrorf("--jpeg-quality must be between 1 and 100")
	}
	if cfg.DPI <= 0 {
		return configErrorf("--dpi must be positive")
	}
	if cfg.MaxPages < 0 {
		return configErrorf("--max-pages must not be negative")
	}
	if cfg.RasterTimeout <= 0 {
		return configErrorf("--raster-timeout must be positive")
	}
	if strings.TrimSpace(cfg.Pdftoppm) == "" {
		return configErrorf("--pdftoppm is required")
	}

	switch cfg.DedupScope {
	case "message", "global":
	default:
		return configErrorf("invalid --dedup-scope: %s", cfg.DedupScope)
	}

	if cfg.Workers < 1 {
		return configErrorf("--workers must be at least 1")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return configErrorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return configErrorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// patterns prefers the raw flag values, since viper splits string arrays on
// commas and regexes may contain them.
func patterns(cmd *cobra.Command, v *viper.Viper, name string) []string {
	if cmd.Flags().Changed(name) {
		values, err := cmd.Flags().GetStringArray(name)
		if err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailnorm", "state"), nil
}
