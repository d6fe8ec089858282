package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/UBCSailbot/network-table/client"
	"github.com/UBCSailbot/network-table/config"
	"github.com/UBCSailbot/network-table/store"
)

var (
	addr    string
	timeout time.Duration

	pathColor = color.New(color.FgCyan).SprintFunc()
	kindColor = color.New(color.Faint).SprintFunc()
)

func main() {
	def := os.Getenv("NETTABLE_ADDR")
	if def == "" {
		def = config.DefaultAddr
	}

	root := &cobra.Command{
		Use:           "nettable",
		Short:         "Read, write and watch a network table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&addr, "addr", "a", def, "server rendezvous address")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "per-call timeout; 0 waits forever")
	root.AddCommand(getCmd(), setCmd(), nodesCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect runs f with a connection, disconnecting afterwards.
func connect(ctx context.Context, f func(c *client.Conn) error) error {
	c := client.New(addr)
	c.SetTimeout(timeout)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Disconnect(context.Background())
	return f(c)
}

func show(path string, v store.Value) {
	fmt.Printf("%s %s %s\n", pathColor(path), kindColor(v.Kind()), v)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get PATH...",
		Short: "Print values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return connect(cmd.Context(), func(c *client.Conn) error {
				vals, err := c.GetValues(cmd.Context(), args...)
				if err != nil {
					return err
				}
				for _, p := range args {
					show(p, vals[p])
				}
				return nil
			})
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set PATH TYPE VALUE",
		Short: "Write a value; TYPE is int, float, string or bool",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := store.ParseKind(args[1])
			if err != nil {
				return err
			}
			v, err := store.ParseValue(k, args[2])
			if err != nil {
				return err
			}
			return connect(cmd.Context(), func(c *client.Conn) error {
				if err := c.SetValue(cmd.Context(), args[0], v); err != nil {
					return err
				}
				// A read makes sure the write reached the server before
				// we hang up.
				_, err := c.GetValue(cmd.Context(), args[0])
				return err
			})
		},
	}
}

func nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes [PATH]",
		Short: "Print every value under a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) > 0 {
				path = args[0]
			}
			return connect(cmd.Context(), func(c *client.Conn) error {
				n, err := c.GetNode(cmd.Context(), path)
				if err != nil {
					return err
				}
				store.Walk(n, store.Clean(path), func(p string, v store.Value) bool {
					show(p, v)
					return false
				})
				return nil
			})
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch PATH...",
		Short: "Print changes to paths until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return connect(ctx, func(c *client.Conn) error {
				h := client.HandlerFunc(func(p string, v store.Value) {
					fmt.Printf("%s ", kindColor(time.Now().Format("15:04:05.000")))
					show(p, v)
				})
				for _, p := range args {
					if err := c.Subscribe(ctx, p, h); err != nil {
						return err
					}
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}
