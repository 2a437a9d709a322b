package main

import (
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/events"
)

func newWatchCmd() *cobra.Command {
	var (
		natsURL string
		prefix  string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream learned interaction events from NATS",
		Long: `Print one JSON line per learned interaction until interrupted.

Examples:
  discoverctl watch --nats nats://localhost:4222
  discoverctl watch --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			nc, err := events.Connect(config.NATSConfig{URL: natsURL}, zap.NewNop())
			if err != nil {
				return err
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			var (
				mu   sync.Mutex
				seen int
			)
			done := make(chan struct{})
			sub, err := events.Subscribe(nc, prefix, nil, func(ev events.Event) {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return
				}
				line, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(line))
				seen++
				if count > 0 && seen == count {
					close(done)
				}
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer func() { _ = sub.Unsubscribe() }()
			if err := nc.Flush(); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-done:
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", "nats://localhost:4222", "NATS server URL")
	cmd.Flags().StringVar(&prefix, "subject", "discoverd.interactions", "event subject prefix")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 streams forever)")
	return cmd
}
