package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const envPrefix = "PICO_SWARM"

//nolint:govet // Field alignment is acceptable
type config struct {
	Listen           string        `mapstructure:"listen"`
	MetricsListen    string        `mapstructure:"metrics-listen"`
	Whitelist        string        `mapstructure:"whitelist"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFormat        string        `mapstructure:"log-format"`
	AnnounceInterval time.Duration `mapstructure:"announce-interval"`
	ConnectionTTL    time.Duration `mapstructure:"connection-ttl"`
	RateLimitWindow  time.Duration `mapstructure:"rate-limit-window"`
	StatsInterval    time.Duration `mapstructure:"stats-interval"`
	MaxNumWant       int           `mapstructure:"max-numwant"`
	RateLimitBurst   int           `mapstructure:"rate-limit-burst"`
	MaxInFlight      int64         `mapstructure:"max-in-flight"`
}

func defaultConfig() config {
	return config{
		Listen:           defaultListenAddr,
		LogLevel:         "info",
		LogFormat:        "color",
		AnnounceInterval: defaultAnnounceInterval,
		ConnectionTTL:    defaultConnectionTTL,
		RateLimitWindow:  defaultRateLimitWindow,
		StatsInterval:    defaultStatsInterval,
		MaxNumWant:       defaultMaxNumWant,
		RateLimitBurst:   defaultRateLimitBurst,
		MaxInFlight:      defaultMaxInFlight,
	}
}

// addConfigFlags registers every config key as a flag.
// Each one can also be set as PICO_SWARM_<KEY> or in the config file.
func addConfigFlags(fs *pflag.FlagSet) {
	d := defaultConfig()
	fs.StringP("listen", "l", d.Listen, "UDP address to listen on")
	fs.String("metrics-listen", d.MetricsListen, "HTTP address for /metrics and /stats (empty disables)")
	fs.StringP("whitelist", "w", d.Whitelist, "path to whitelist file for private tracker mode")
	fs.String("log-level", d.LogLevel, "logging level [debug,info,warn,error,silent]")
	fs.String("log-format", d.LogFormat, "logging format [text,color,json]")
	fs.Duration("announce-interval", d.AnnounceInterval, "interval clients are told to wait between announces")
	fs.Duration("connection-ttl", d.ConnectionTTL, "lifetime of an issued connection id")
	fs.Duration("rate-limit-window", d.RateLimitWindow, "window for per-IP connect rate limiting")
	fs.Int("rate-limit-burst", d.RateLimitBurst, "connect requests allowed per IP per window (0 disables)")
	fs.Duration("stats-interval", d.StatsInterval, "interval between stats log lines (0 disables)")
	fs.Int("max-numwant", d.MaxNumWant, "maximum peers returned per announce")
	fs.Int64("max-in-flight", d.MaxInFlight, "maximum datagrams handled concurrently")
}

// loadConfig resolves flags, environment and the optional config file, in that
// order of precedence. Without an explicit path a missing file is fine.
func loadConfig(v *viper.Viper, cfgPath string) (config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.SetConfigName(".pico-swarm")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("could not read configuration: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("could not decode configuration: %w", err)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	var err error
	if c.Listen == "" {
		err = multierr.Append(err, errors.New("listen address is required"))
	}
	if c.AnnounceInterval < time.Second {
		err = multierr.Append(err, fmt.Errorf("announce-interval must be at least 1s, got %s", c.AnnounceInterval))
	}
	if c.ConnectionTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("connection-ttl must be positive, got %s", c.ConnectionTTL))
	}
	if c.MaxNumWant <= 0 {
		err = multierr.Append(err, fmt.Errorf("max-numwant must be positive, got %d", c.MaxNumWant))
	}
	if c.MaxInFlight <= 0 {
		err = multierr.Append(err, fmt.Errorf("max-in-flight must be positive, got %d", c.MaxInFlight))
	}
	return err
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgPath string

	run := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd, v, cfgPath)
	}

	root := &cobra.Command{
		Use:           "pico-swarm",
		Short:         "Portable BitTorrent Tracker (UDP)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file location")
	addConfigFlags(root.PersistentFlags())
	// BindPFlags only fails on a nil flag set
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the tracker (default)",
		Args:  cobra.NoArgs,
		RunE:  run,
	})
	root.AddCommand(newVersionCommand())
	return root
}

func runServe(cmd *cobra.Command, v *viper.Viper, cfgPath string) error {
	cfg, err := loadConfig(v, cfgPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	//nolint:errcheck // stderr sync errors are not actionable
	defer log.Sync()

	ctx, stop := setupSignalHandling(cmd.Context())
	defer stop()

	return NewServer(cfg, log).Run(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			fmt.Fprintln(cmd.OutOrStdout(), "Commit:", commit)
		},
	}
}
