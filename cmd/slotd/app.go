package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/slotd"
	"pkt.systems/slotd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SLOTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "slotd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged; subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.IndexByte(arg, '=') >= 0 {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			consumeNext := false
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads --config, or the default config file when present,
// into viper and returns its absolute path.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := slotd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "slotd",
		Short:         "slotd arbitrates exclusive leases on a fixed pool of four slots",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with two identities
  slotd --users alice,bob

  # One hour leases, Prometheus metrics and the admin API on loopback
  SLOTD_USERS="alice bob" slotd --lease-timeout 1h --metrics-listen 127.0.0.1:9090 --admin-listen 127.0.0.1:1235

  # Inspect a running server
  slotd status --admin 127.0.0.1:1235
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.slotd/"+slotd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")

	flags := cmd.Flags()
	flags.String("listen", slotd.DefaultListen, "protocol listen address")
	flags.Duration("lease-timeout", slotd.DefaultLeaseTimeout, "how long a lease is held before another identity may take it")
	flags.Int("max-connections", slotd.DefaultMaxConnections, "maximum concurrent client connections")
	flags.StringSlice("users", nil, "allowed identities (comma separated or repeated)")
	flags.Bool("decline-new-resources", false, "deny every lease request")
	flags.String("max-frame", humanizeBytes(slotd.DefaultMaxFrameBytes), "largest accepted request frame")
	flags.String("metrics-listen", slotd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("pprof-listen", slotd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.String("admin-listen", slotd.DefaultAdminListen, "admin HTTP API listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", slotd.DefaultShutdownTimeout, "overall shutdown timeout")

	viper.SetEnvPrefix("SLOTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	addAdminFlags(cmd)
	addClientFlags(cmd)
	for _, name := range []string{"config", "log-level"} {
		mustBindFlag(name, persistentFlags.Lookup(name))
	}
	for _, name := range []string{
		"listen", "lease-timeout", "max-connections", "users", "decline-new-resources", "max-frame",
		"metrics-listen", "enable-profiling-metrics", "pprof-listen", "admin-listen", "otlp-endpoint", "shutdown-timeout",
	} {
		mustBindFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newAcceptingCommand())
	cmd.AddCommand(newAdmissionCommand())
	cmd.AddCommand(newLeaseTimeoutCommand())
	cmd.AddCommand(newFreeAllCommand())
	cmd.AddCommand(newAcquireCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func runServer(ctx context.Context, baseLogger pslog.Logger) error {
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
		"welcome to slotd",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
	)
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}

	var cfg slotd.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	cfg.SettingsPath = configFile
	if cfg.SettingsPath == "" {
		cliLogger.Warn("no config file; lease timeout changes are not persisted")
	}

	server, err := slotd.NewServer(cfg, slotd.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout()+time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		shutdown()
	}()
	go func() {
		select {
		case <-ctx.Done():
			shutdown()
		case <-done:
		}
	}()
	if err := server.Start(); err != nil && !errors.Is(err, slotd.ErrServerClosed) {
		return err
	}
	return nil
}

func bindConfig(cfg *slotd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.LeaseTimeout = viper.GetDuration("lease-timeout")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.Users = splitList(viper.GetStringSlice("users"))
	cfg.DeclineNewResources = viper.GetBool("decline-new-resources")
	if maxFrame := strings.TrimSpace(viper.GetString("max-frame")); maxFrame != "" {
		size, err := humanize.ParseBytes(maxFrame)
		if err != nil {
			return fmt.Errorf("parse max-frame: %w", err)
		}
		cfg.MaxFrameBytes = int64(size)
	}
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.AdminListen = viper.GetString("admin-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

// splitList flattens comma or whitespace separated entries, which is how
// identities arrive from SLOTD_USERS.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, field := range strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			out = append(out, field)
		}
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
