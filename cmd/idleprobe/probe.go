package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/circuit-idle/internal/bridge"
	"github.com/p-blackswan/circuit-idle/internal/gateway"
	"github.com/p-blackswan/circuit-idle/internal/inactivity"
	"github.com/p-blackswan/circuit-idle/internal/retry"
)

type probeOptions struct {
	url      string
	activity time.Duration
	duration time.Duration
	retries  int
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:          "idleprobe",
		Short:        "Simulated circuit client for idle detection",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			level := zerolog.InfoLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
				Level(level).With().Timestamp().Logger()

			return runProbe(ctx, opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws/circuit", "circuit endpoint")
	cmd.Flags().DurationVar(&opts.activity, "activity", 0, "interval between simulated user activity; 0 simulates an idle user")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "disconnect after this long; 0 runs until interrupted")
	cmd.Flags().IntVar(&opts.retries, "retries", 3, "connection retries with exponential backoff")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// registration is the decoded timeOutCall request.
type registration struct {
	Ref             string
	MaxResponseTime time.Duration
}

func parseRegistration(raw json.RawMessage) (registration, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return registration{}, fmt.Errorf("decoding %s args: %w", inactivity.RegisterIdentifier, err)
	}
	if len(args) != 2 {
		return registration{}, fmt.Errorf("%s: expected 2 args, got %d", inactivity.RegisterIdentifier, len(args))
	}

	var handle bridge.RefHandle
	if err := json.Unmarshal(args[0], &handle); err != nil || handle.ObjectRef == "" {
		return registration{}, errors.New("first argument is not an object reference")
	}
	var ms int64
	if err := json.Unmarshal(args[1], &ms); err != nil {
		return registration{}, fmt.Errorf("max response time: %w", err)
	}
	return registration{Ref: handle.ObjectRef, MaxResponseTime: time.Duration(ms) * time.Millisecond}, nil
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer, logger zerolog.Logger) error {
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = opts.retries + 1
	var peer *bridge.Peer
	err := retry.Do(ctx, backoff, logger, func(ctx context.Context) error {
		p, err := bridge.Dial(ctx, opts.url, bridge.DefaultConfig(), logger)
		if err != nil {
			return err
		}
		peer = p
		return nil
	})
	if err != nil {
		return err
	}
	defer peer.Close()

	peer.OnEvent(gateway.EventCircuitOpened, func(_ context.Context, payload json.RawMessage) {
		var ev gateway.CircuitOpened
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Warn().Err(err).Msg("bad circuit.opened payload")
			return
		}
		fmt.Fprintf(out, "circuit opened: %s\n", ev.CircuitID)
	})
	peer.OnEvent(gateway.EventInactivityAlert, func(_ context.Context, payload json.RawMessage) {
		var ev gateway.InactivityAlert
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Warn().Err(err).Msg("bad inactivity.alert payload")
			return
		}
		fmt.Fprintf(out, "inactivity alert: respond within %s\n", time.Duration(ev.MaxResponseTime)*time.Millisecond)
	})

	refs := make(chan string, 1)
	peer.Handle(inactivity.RegisterIdentifier, func(_ context.Context, raw json.RawMessage) (any, error) {
		reg, err := parseRegistration(raw)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "activity listener registered (max response %s)\n", reg.MaxResponseTime)
		select {
		case refs <- reg.Ref:
		default:
		}
		return nil, nil
	})

	if opts.activity > 0 {
		go simulateActivity(ctx, peer, refs, opts.activity, logger)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- peer.Serve(ctx) }()

	select {
	case <-ctx.Done():
		_ = peer.Close()
		<-serveErr
		return nil
	case err := <-serveErr:
		if err == nil {
			fmt.Fprintln(out, "circuit closed by server")
		}
		return err
	}
}

// simulateActivity reports user input on every tick once the listener is
// registered. It runs off the read loop because Invoke waits for a response.
func simulateActivity(ctx context.Context, peer *bridge.Peer, refs <-chan string, every time.Duration, logger zerolog.Logger) {
	var ref string
	select {
	case ref = <-refs:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := peer.Invoke(ctx, ref, inactivity.ResetMethod, nil); err != nil {
				logger.Warn().Err(err).Msg("activity report failed")
				continue
			}
			logger.Debug().Msg("activity reported")
		case <-ctx.Done():
			return
		}
	}
}
