package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/slotd/client"
	"pkt.systems/slotd/internal/pool"
	"pkt.systems/slotd/internal/svcfields"
)

const (
	serverKey = "server"
	userKey   = "user"
)

func addClientFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP(serverKey, "s", "127.0.0.1:1234", "protocol address of a running server")
	flags.StringP(userKey, "u", "", "identity to authenticate as")
	mustBindFlag(serverKey, flags.Lookup(serverKey))
	mustBindFlag(userKey, flags.Lookup(userKey))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateSlots(slots []int) error {
	if len(slots) == 0 {
		return fmt.Errorf("at least one slot required (--slots 1,3)")
	}
	for _, slot := range slots {
		if slot < 1 || slot > pool.Size {
			return fmt.Errorf("slot %d out of range 1..%d", slot, pool.Size)
		}
	}
	return nil
}

func newAcquireCommand(baseLogger pslog.Logger) *cobra.Command {
	var slots []int
	var hold bool
	var output string
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Request a lease on one of the given slots",
		Long: `acquire connects as --user, requests every slot in --slots and reports
the server's verdict. The server grants at most one slot, the highest free
one listed. With --hold the connection stays open and release notices are
printed until the lease is lost or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			if err := validateSlots(slots); err != nil {
				return err
			}
			user := strings.TrimSpace(viper.GetString(userKey))
			if user == "" {
				return fmt.Errorf("identity required (set --user or SLOTD_USER)")
			}
			addr := strings.TrimSpace(viper.GetString(serverKey))
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger := svcfields.WithSubsystem(baseLogger, "cli.acquire")
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}

			dialCtx, cancel := adminContext(cmd)
			cl, err := client.Dial(dialCtx, addr, user, client.WithLogger(logger))
			if err != nil {
				cancel()
				return err
			}
			defer cl.Close()
			resp, err := cl.Acquire(dialCtx, slots...)
			cancel()
			if perr := printResponse(cmd.OutOrStdout(), mode, resp); perr != nil {
				return perr
			}
			if err != nil {
				if errors.Is(err, client.ErrDenied) {
					return fmt.Errorf("slot %d denied", resp.Resource)
				}
				return err
			}
			if !hold {
				return nil
			}
			return holdLease(ctx, cmd.OutOrStdout(), mode, cl, resp.Resource)
		},
	}
	cmd.Flags().IntSliceVar(&slots, "slots", nil, "one-based slots to request (comma separated)")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep the connection open and report release notices")
	cmd.Flags().StringVarP(&output, "output", "o", string(outputText), "output format (text|json|yaml)")
	return cmd
}

// holdLease blocks until ctx ends, the connection drops or the held slot is
// released by the server.
func holdLease(ctx context.Context, out io.Writer, mode outputMode, cl *client.Client, slot int) error {
	for {
		resp, err := cl.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if perr := printResponse(out, mode, resp); perr != nil {
			return perr
		}
		if resp.Resource == slot && resp.Status == client.StatusDenied {
			return fmt.Errorf("lease on slot %d lost", slot)
		}
	}
}

func printResponse(out io.Writer, mode outputMode, resp client.Response) error {
	if resp.Resource == 0 {
		return nil
	}
	switch mode {
	case outputJSON:
		return writeJSON(out, resp)
	case outputYAML:
		return writeYAML(out, map[string]any{
			"username": resp.Username,
			"resource": resp.Resource,
			"status":   resp.Status,
		})
	default:
		_, err := fmt.Fprintf(out, "%s slot %d %s (%s)\n", resp.Username, resp.Resource, resp.Status, time.Now().Format(time.TimeOnly))
		return err
	}
}
