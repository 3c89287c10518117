package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/slotd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage slotd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	var users []string
	defaultOutput := "$HOME/.slotd/" + slotd.DefaultConfigFileName
	if path, err := slotd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default slotd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML(func(d *configDefaults) {
				if list := splitList(users); len(list) > 0 {
					d.Users = list
				}
			})
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := slotd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return err
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	cmd.Flags().StringSliceVar(&users, "users", nil, "identities to put on the allow-list")
	return cmd
}

type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	LeaseTimeout           string   `yaml:"lease-timeout"`
	MaxConnections         int      `yaml:"max-connections"`
	Users                  []string `yaml:"users"`
	DeclineNewResources    bool     `yaml:"decline-new-resources"`
	MaxFrame               string   `yaml:"max-frame"`
	MetricsListen          string   `yaml:"metrics-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	PprofListen            string   `yaml:"pprof-listen"`
	AdminListen            string   `yaml:"admin-listen"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:          slotd.DefaultListen,
		LeaseTimeout:    slotd.DefaultLeaseTimeout.String(),
		MaxConnections:  slotd.DefaultMaxConnections,
		Users:           []string{"alice", "bob"},
		MaxFrame:        humanizeBytes(slotd.DefaultMaxFrameBytes),
		MetricsListen:   slotd.DefaultMetricsListen,
		PprofListen:     slotd.DefaultPprofListen,
		AdminListen:     slotd.DefaultAdminListen,
		ShutdownTimeout: slotd.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	for _, override := range overrides {
		if override != nil {
			override(&defaults)
		}
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# slotd configuration. lease-timeout is rewritten on shutdown.\n")
	return append(header, data...), nil
}
