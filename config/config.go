package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultTopic    = "technews"
	DefaultMailbox  = "Tech News"
	DefaultSince    = "2025-06-17"
	DefaultHTTPAddr = ":3000"
	sinceLayout     = "2006-01-02"
)

// legacyEnv maps flags onto the environment variable names the deployment
// already uses. Every flag is also readable as TECHNEWS_<FLAG>.
var legacyEnv = map[string]string{
	"brokers":          "BROKER_URL",
	"kafka-api-key":    "CLUSTER_API_KEY",
	"kafka-api-secret": "CLUSTER_API_SECRET",
	"imap-user":        "EMAIL",
	"imap-pass":        "EMAIL_PASSWORD",
	"webhook-url":      "SLACK_WEBHOOK_URL",
	"http-addr":        "PORT",
}

// Common holds the options every subcommand shares.
type Common struct {
	LogLevel string
	LogDir   string
	StateDir string
	DryRun   bool
	HTTPAddr string
}

// Kafka holds the broker connection options.
type Kafka struct {
	Brokers   []string
	APIKey    string
	APISecret string
	TLS       bool
	Version   string
	ClientID  string
	Topic     string
	Format    string
}

// Filters holds the regex selection lists.
type Filters struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// ProduceConfig configures the ingestion side.
type ProduceConfig struct {
	Common
	Kafka
	Filters

	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Since              time.Time
	WrapWidth          int
}

// ConsumeConfig configures the delivery side.
type ConsumeConfig struct {
	Common
	Kafka

	GroupID        string
	FromBeginning  bool
	WebhookURL     string
	WebhookTimeout time.Duration
	MaxAttempts    int
	BlockSize      int
}

// PreviewConfig configures the offline dry run over an archive.
type PreviewConfig struct {
	Filters

	LogLevel  string
	LogDir    string
	MboxPath  string
	WrapWidth int
	BlockSize int
	Limit     int
	Top       int
}

func registerCommon(flags *pflag.FlagSet) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for an additional log file")
	flags.String("state-dir", defaultStateDir, "Directory for idempotency state files")
	flags.Bool("dry-run", false, "Run the pipeline without publishing or posting")
	flags.String("http-addr", DefaultHTTPAddr, "Address of the status endpoint, empty to disable (falls back to PORT)")
	return nil
}

func registerKafka(flags *pflag.FlagSet, clientID string) {
	flags.StringSlice("brokers", nil, "Kafka bootstrap servers (falls back to BROKER_URL)")
	flags.String("kafka-api-key", "", "SASL/PLAIN username (falls back to CLUSTER_API_KEY)")
	flags.String("kafka-api-secret", "", "SASL/PLAIN password (falls back to CLUSTER_API_SECRET)")
	flags.Bool("kafka-tls", true, "Use TLS for broker connections")
	flags.String("kafka-version", "", "Kafka protocol version, empty for the client default")
	flags.String("client-id", clientID, "Kafka client id")
	flags.String("topic", DefaultTopic, "Kafka topic")
	flags.String("format", "avro", "Record format: avro or json")
}

func registerFilters(flags *pflag.FlagSet) {
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// RegisterProduceFlags attaches the flags of the produce command.
func RegisterProduceFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if err := registerCommon(flags); err != nil {
		return err
	}
	registerKafka(flags, "news-producer")
	registerFilters(flags)

	flags.String("mbox", "", "Replay an mbox archive instead of reading the IMAP mailbox")
	flags.String("imap-host", "imap.gmail.com", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to EMAIL)")
	flags.String("imap-pass", "", "IMAP password (falls back to EMAIL_PASSWORD)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", DefaultMailbox, "Mailbox to read newsletters from")
	flags.String("since", DefaultSince, "Only fetch unread messages received on or after this date (YYYY-MM-DD)")
	flags.Int("wrap-width", 230, "Column at which converted HTML is wrapped")
	return nil
}

// RegisterConsumeFlags attaches the flags of the consume command.
func RegisterConsumeFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if err := registerCommon(flags); err != nil {
		return err
	}
	registerKafka(flags, "news-consumer")

	flags.String("group-id", "news-consumer-group", "Kafka consumer group")
	flags.Bool("from-beginning", true, "Start from the oldest offset when the group has none committed")
	flags.String("webhook-url", "", "Slack incoming webhook URL (falls back to SLACK_WEBHOOK_URL)")
	flags.Duration("webhook-timeout", 10*time.Second, "Timeout of a single webhook request")
	flags.Int("max-attempts", 5, "Attempts per webhook post before giving up")
	flags.Int("block-size", 2900, "Maximum characters per Slack section")
	return nil
}

// RegisterPreviewFlags attaches the flags of the preview command.
func RegisterPreviewFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	registerFilters(flags)
	flags.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for an additional log file")
	flags.Int("wrap-width", 230, "Column at which converted HTML is wrapped")
	flags.Int("block-size", 2900, "Maximum characters per Slack section")
	flags.Int("limit", 0, "Stop after this many payloads, 0 for all")
	flags.Int("top", 10, "Number of filter patterns listed in the summary")
	return nil
}

// LoadProduceConfig converts the parsed flags and environment into a
// validated ProduceConfig.
func LoadProduceConfig(cmd *cobra.Command) (ProduceConfig, error) {
	v, err := load(cmd)
	if err != nil {
		return ProduceConfig{}, err
	}

	common, err := loadCommon(v)
	if err != nil {
		return ProduceConfig{}, err
	}
	filters, err := loadFilters(cmd.Flags())
	if err != nil {
		return ProduceConfig{}, err
	}

	since, err := time.Parse(sinceLayout, strings.TrimSpace(v.GetString("since")))
	if err != nil {
		return ProduceConfig{}, fmt.Errorf("invalid --since: %w", err)
	}

	cfg := ProduceConfig{
		Common:             common,
		Kafka:              loadKafka(v),
		Filters:            filters,
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		Since:              since,
		WrapWidth:          v.GetInt("wrap-width"),
	}

	if err := validateProduce(cfg); err != nil {
		return ProduceConfig{}, err
	}
	return cfg, nil
}

// LoadConsumeConfig converts the parsed flags and environment into a
// validated ConsumeConfig.
func LoadConsumeConfig(cmd *cobra.Command) (ConsumeConfig, error) {
	v, err := load(cmd)
	if err != nil {
		return ConsumeConfig{}, err
	}

	common, err := loadCommon(v)
	if err != nil {
		return ConsumeConfig{}, err
	}

	cfg := ConsumeConfig{
		Common:         common,
		Kafka:          loadKafka(v),
		GroupID:        v.GetString("group-id"),
		FromBeginning:  v.GetBool("from-beginning"),
		WebhookURL:     strings.TrimSpace(v.GetString("webhook-url")),
		WebhookTimeout: v.GetDuration("webhook-timeout"),
		MaxAttempts:    v.GetInt("max-attempts"),
		BlockSize:      v.GetInt("block-size"),
	}

	if err := validateConsume(cfg); err != nil {
		return ConsumeConfig{}, err
	}
	return cfg, nil
}

// LoadPreviewConfig reads the preview command options. The archive path is
// the single positional argument.
func LoadPreviewConfig(cmd *cobra.Command, args []string) (PreviewConfig, error) {
	v, err := load(cmd)
	if err != nil {
		return PreviewConfig{}, err
	}
	filters, err := loadFilters(cmd.Flags())
	if err != nil {
		return PreviewConfig{}, err
	}

	cfg := PreviewConfig{
		Filters:   filters,
		LogLevel:  normalizeLevel(v.GetString("log-level")),
		LogDir:    v.GetString("log-dir"),
		WrapWidth: v.GetInt("wrap-width"),
		BlockSize: v.GetInt("block-size"),
		Limit:     v.GetInt("limit"),
		Top:       v.GetInt("top"),
	}
	if len(args) > 0 {
		cfg.MboxPath = strings.TrimSpace(args[0])
	}

	if cfg.MboxPath == "" {
		return PreviewConfig{}, errors.New("an mbox archive path is required")
	}
	if cfg.Limit < 0 {
		return PreviewConfig{}, errors.New("--limit must not be negative")
	}
	if err := validateLevel(cfg.LogLevel); err != nil {
		return PreviewConfig{}, err
	}
	if err := validateFilters(cfg.Filters); err != nil {
		return PreviewConfig{}, err
	}
	return cfg, nil
}

// load reads the dotenv file, then binds flags and environment into a
// fresh viper instance. Explicit flags win over the environment, which wins
// over flag defaults.
func load(cmd *cobra.Command) (*viper.Viper, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, err
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("TECHNEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range legacyEnv {
		if cmd.Flags().Lookup(key) == nil {
			continue
		}
		prefixed := "TECHNEWS_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return v, nil
}

// LoadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadCommon(v *viper.Viper) (Common, error) {
	stateDir := strings.TrimSpace(v.GetString("state-dir"))
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return Common{}, err
		}
	}

	return Common{
		LogLevel: normalizeLevel(v.GetString("log-level")),
		LogDir:   v.GetString("log-dir"),
		StateDir: filepath.Clean(stateDir),
		DryRun:   v.GetBool("dry-run"),
		HTTPAddr: normalizeAddr(v.GetString("http-addr")),
	}, nil
}

func loadKafka(v *viper.Viper) Kafka {
	return Kafka{
		Brokers:   splitList(v.GetStringSlice("brokers")),
		APIKey:    v.GetString("kafka-api-key"),
		APISecret: v.GetString("kafka-api-secret"),
		TLS:       v.GetBool("kafka-tls"),
		Version:   v.GetString("kafka-version"),
		ClientID:  v.GetString("client-id"),
		Topic:     strings.TrimSpace(v.GetString("topic")),
		Format:    strings.ToLower(strings.TrimSpace(v.GetString("format"))),
	}
}

// loadFilters reads the regex lists straight from the flags; going through
// viper would split them on commas.
func loadFilters(flags *pflag.FlagSet) (Filters, error) {
	var (
		f   Filters
		err error
	)
	if f.IncludeHeader, err = flags.GetStringArray("include-header"); err != nil {
		return Filters{}, err
	}
	if f.IncludeBody, err = flags.GetStringArray("include-body"); err != nil {
		return Filters{}, err
	}
	if f.ExcludeHeader, err = flags.GetStringArray("exclude-header"); err != nil {
		return Filters{}, err
	}
	if f.ExcludeBody, err = flags.GetStringArray("exclude-body"); err != nil {
		return Filters{}, err
	}
	return f, nil
}

func validateProduce(cfg ProduceConfig) error {
	if cfg.MboxPath == "" {
		if cfg.IMAPHost == "" {
			return errors.New("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return errors.New("IMAP user must be provided via --imap-user or EMAIL env var")
		}
		if cfg.IMAPPass == "" {
			return errors.New("IMAP password must be provided via --imap-pass or EMAIL_PASSWORD env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return errors.New("--imap-port must be between 1 and 65535")
		}
		if strings.TrimSpace(cfg.Mailbox) == "" {
			return errors.New("--mailbox is required")
		}
	}
	if err := validateKafka(cfg.Kafka, cfg.DryRun); err != nil {
		return err
	}
	if err := validateFilters(cfg.Filters); err != nil {
		return err
	}
	return validateLevel(cfg.LogLevel)
}

func validateConsume(cfg ConsumeConfig) error {
	if err := validateKafka(cfg.Kafka, false); err != nil {
		return err
	}
	if cfg.GroupID == "" {
		return errors.New("--group-id is required")
	}
	if cfg.WebhookURL == "" && !cfg.DryRun {
		return errors.New("Slack webhook must be provided via --webhook-url or SLACK_WEBHOOK_URL env var")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("--max-attempts must be positive")
	}
	if cfg.BlockSize <= 0 {
		return errors.New("--block-size must be positive")
	}
	return validateLevel(cfg.LogLevel)
}

func validateKafka(k Kafka, dryRun bool) error {
	if len(k.Brokers) == 0 && !dryRun {
		return errors.New("Kafka brokers must be provided via --brokers or BROKER_URL env var")
	}
	if k.Topic == "" {
		return errors.New("--topic is required")
	}
	if (k.APIKey == "") != (k.APISecret == "") {
		return errors.New("--kafka-api-key and --kafka-api-secret must be set together")
	}
	switch k.Format {
	case "avro", "json":
	default:
		return fmt.Errorf("invalid --format: %s", k.Format)
	}
	return nil
}

func validateFilters(f Filters) error {
	includeActive := len(f.IncludeHeader) > 0 || len(f.IncludeBody) > 0
	excludeActive := len(f.ExcludeHeader) > 0 || len(f.ExcludeBody) > 0
	if includeActive && excludeActive {
		return errors.New("include and exclude flags are mutually exclusive")
	}
	return nil
}

func validateLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level: %s", level)
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

// normalizeAddr accepts a bare port number, as PORT holds.
func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".technews-relay", "state"), nil
}
