package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/realplexor/internal/client"
)

// clientFlags are shared by the commands talking to the IN line.
type clientFlags struct {
	addr      string
	login     string
	password  string
	namespace string
	timeout   time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "IN line address (default: in_addr from config)")
	cmd.Flags().StringVar(&f.login, "login", "", "account login")
	cmd.Flags().StringVar(&f.password, "password", os.Getenv("REALPLEXOR_PASSWORD"), "account password (or set REALPLEXOR_PASSWORD)")
	cmd.Flags().StringVar(&f.namespace, "namespace", "", "identifier namespace")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "request timeout")
}

func (f *clientFlags) client() *client.Client {
	addr := f.addr
	if addr == "" {
		addr = cfg.InAddr
	}
	c := client.New(addr, client.Options{
		Namespace: f.namespace,
		Marker:    cfg.Identifier,
		Timeout:   f.timeout,
		Logger:    logger,
	})
	if f.login != "" {
		c.Logon(f.login, f.password)
	}
	return c
}

// parseTargets turns "id" and "cursor:id" or "id:cursor" flags into
// the map Send expects.
func parseTargets(specs []string) (map[string]uint64, error) {
	targets := make(map[string]uint64, len(specs))
	for _, spec := range specs {
		left, right, ok := strings.Cut(spec, ":")
		if !ok {
			targets[spec] = 0
			continue
		}
		if n, err := strconv.ParseUint(left, 10, 64); err == nil {
			targets[right] = n
			continue
		}
		n, err := strconv.ParseUint(right, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q (use id, id:cursor or cursor:id)", spec)
		}
		targets[left] = n
	}
	return targets, nil
}

func sendCmd() *cobra.Command {
	var (
		flags  clientFlags
		ids    []string
		limits []string
	)

	cmd := &cobra.Command{
		Use:   "send [DATA]",
		Short: "Push data to identifiers",
		Long: `Push data to one or more identifiers over the IN line.

DATA is sent as is; without it the payload is read from stdin.

Examples:
  # Push to two identifiers
  realplexor send --id alpha --id beta '{"text":"hi"}'

  # Push with an explicit cursor, visible only to listeners of user1
  realplexor send --id 123:room --limit user1 'secret'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(ids) == 0 {
				return fmt.Errorf("at least one --id is required")
			}
			targets, err := parseTargets(ids)
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 1 {
				data = []byte(args[0])
			} else {
				data, err = readAll(cmd)
				if err != nil {
					return err
				}
			}

			result, err := flags.client().Send(cmd.Context(), targets, data, limits)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(result))
			for id := range result {
				keys = append(keys, id)
			}
			sort.Strings(keys)
			for _, id := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", id, result[id])
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVar(&ids, "id", nil, "target identifier, optionally with a cursor (repeatable)")
	cmd.Flags().StringSliceVar(&limits, "limit", nil, "deliver only to listeners of these identifiers (repeatable)")
	return cmd
}

func onlineCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "online [PREFIX...]",
		Short: "List online identifiers with their listener counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			counters, err := flags.client().OnlineWithCounters(cmd.Context(), args)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(counters))
			for id := range counters {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", id, counters[id])
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		flags clientFlags
		from  uint64
	)

	cmd := &cobra.Command{
		Use:   "watch [PREFIX...]",
		Short: "Print presence events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := flags.client().Watch(cmd.Context(), from, args)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d:%s\n", e.Type, e.Pos, e.ID)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Uint64Var(&from, "from", 0, "report events after this cursor")
	return cmd
}

func statsCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Dump the server's internal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := flags.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), stats)
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
