package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/slotd/api"
	"pkt.systems/slotd/client"
)

const adminKey = "admin"

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
	outputYAML outputMode = "yaml"
)

func parseOutputMode(raw string) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "", outputText:
		return outputText, nil
	case outputJSON, outputYAML:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown output format %q (text|json|yaml)", raw)
	}
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// adminEndpoint resolves the admin API address from --admin, SLOTD_ADMIN or
// the admin-listen key of the config file.
func adminEndpoint() (string, error) {
	if addr := strings.TrimSpace(viper.GetString(adminKey)); addr != "" {
		return addr, nil
	}
	if _, err := loadConfigFile(); err != nil {
		return "", err
	}
	if addr := loopbackFor(viper.GetString("admin-listen")); addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("admin endpoint required (set --admin, SLOTD_ADMIN or admin-listen in the config file)")
}

// loopbackFor turns a listen address into something dialable from the same
// host.
func loopbackFor(listen string) string {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		if ip.To4() == nil {
			return net.JoinHostPort("::1", port)
		}
		return net.JoinHostPort("127.0.0.1", port)
	}
	return listen
}

func newAdminClient() (*client.Admin, error) {
	addr, err := adminEndpoint()
	if err != nil {
		return nil, err
	}
	return client.NewAdmin(addr, client.WithAdminTimeout(viper.GetDuration("timeout")))
}

func adminContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func addAdminFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP(adminKey, "a", "", "admin API address of a running server (host:port or URL)")
	flags.Duration("timeout", 10*time.Second, "admin request timeout")
	mustBindFlag(adminKey, flags.Lookup(adminKey))
	mustBindFlag("timeout", flags.Lookup("timeout"))
}

func newStatusCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show slot owners, sessions and server state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			admin, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext(cmd)
			defer cancel()
			st, err := admin.Status(ctx)
			if err != nil {
				return err
			}
			switch mode {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), st)
			case outputYAML:
				return writeYAML(cmd.OutOrStdout(), st)
			default:
				return writeStatusText(cmd.OutOrStdout(), st, time.Now())
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}

func writeStatusText(out io.Writer, st api.StatusResponse, now time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "instance:     %s\n", st.InstanceID)
	fmt.Fprintf(&b, "version:      %s\n", st.Version)
	fmt.Fprintf(&b, "listen:       %s\n", st.Listen)
	fmt.Fprintf(&b, "started:      %s (%s)\n", humanize.RelTime(st.StartTime, now, "ago", "from now"), st.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "accepting:    %s\n", onOff(st.Accepting))
	fmt.Fprintf(&b, "admission:    %s\n", onOff(!st.DeclineNewResources))
	fmt.Fprintf(&b, "lease:        %s\n", time.Duration(st.LeaseTimeoutSeconds)*time.Second)
	fmt.Fprintf(&b, "connections:  %d/%d\n", st.Connections, st.MaxConnections)
	for _, slot := range st.Slots {
		if slot.Owner == "" {
			fmt.Fprintf(&b, "slot %d:       free\n", slot.Slot)
			continue
		}
		fmt.Fprintf(&b, "slot %d:       %s (held %s)\n", slot.Slot, slot.Owner, time.Duration(slot.HeldSeconds)*time.Second)
	}
	identities := make([]string, 0, len(st.Sessions))
	for identity := range st.Sessions {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	fmt.Fprintf(&b, "sessions:     %s\n", listOrNone(identities))
	fmt.Fprintf(&b, "users:        %s\n", listOrNone(st.Users))
	fmt.Fprintf(&b, "banned:       %s\n", listOrNone(st.Banned))
	_, err := io.WriteString(out, b.String())
	return err
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func parseToggle(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "enable", "enabled", "yes":
		return true, nil
	case "off", "disable", "disabled", "no":
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", raw)
	}
	return v, nil
}

// newToggleCommand builds the accepting/admission commands: with no argument
// they print the current state, otherwise they set it.
func newToggleCommand(use, short string, current func(api.StatusResponse) bool, set func(context.Context, *client.Admin, bool) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [on|off]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext(cmd)
			defer cancel()
			if len(args) == 0 {
				st, err := admin.Status(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, onOff(current(st)))
				return err
			}
			enabled, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			if err := set(ctx, admin, enabled); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, onOff(enabled))
			return err
		},
	}
}

func newAcceptingCommand() *cobra.Command {
	return newToggleCommand("accepting", "Show or toggle whether new connections are accepted",
		func(st api.StatusResponse) bool { return st.Accepting },
		func(ctx context.Context, admin *client.Admin, enabled bool) error {
			return admin.SetAccepting(ctx, enabled)
		})
}

func newAdmissionCommand() *cobra.Command {
	return newToggleCommand("admission", "Show or toggle whether new leases are granted",
		func(st api.StatusResponse) bool { return !st.DeclineNewResources },
		func(ctx context.Context, admin *client.Admin, enabled bool) error {
			return admin.SetAdmission(ctx, enabled)
		})
}

func newLeaseTimeoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lease-timeout [duration]",
		Short: "Show or change how long a lease is protected from preemption",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext(cmd)
			defer cancel()
			if len(args) == 0 {
				st, err := admin.Status(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "lease-timeout: %s\n", time.Duration(st.LeaseTimeoutSeconds)*time.Second)
				return err
			}
			d, err := time.ParseDuration(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("parse duration: %w", err)
			}
			if err := admin.SetLeaseTimeout(ctx, d); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "lease-timeout: %s\n", d.Truncate(time.Second))
			return err
		},
	}
}

func newFreeAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "free-all",
		Short: "Release every lease; owners are notified",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext(cmd)
			defer cancel()
			n, err := admin.FreeAll(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "freed: %d\n", n)
			return err
		},
	}
}
