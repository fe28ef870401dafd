package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"govsido/host/telemetry"
	"govsido/host/vsido"
	"govsido/protocol"
)

var (
	monitorRaw   bool
	monitorAccel time.Duration
)

// lockedWriter serializes output from the receive loop and the poller
type lockedWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lockedWriter) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print frames the board sends on its own",
	Long: `monitor stays connected and prints every frame no request was waiting
for. With --raw all traffic is printed. With --accel the accelerometer is
polled at the given interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := &lockedWriter{out: cmd.OutOrStdout()}
		bus := telemetry.New(&logger)
		if err := bus.SubscribeAll(func(f protocol.Frame) {
			out.printf("%s %-12s %s\n", time.Now().Format("15:04:05.000"), protocol.OpName(f.Op()), f)
		}); err != nil {
			return err
		}

		client, err := connect(cmd, func(o *vsido.Options) {
			o.Telemetry = bus.Sink()
			if monitorRaw {
				o.OnSend = func(data []byte) { out.printf("> % x\n", data) }
				o.OnReceive = func(f protocol.Frame) { out.printf("< % x\n", f.Bytes()) }
			}
		})
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		var tick <-chan time.Time
		if monitorAccel > 0 {
			ticker := time.NewTicker(monitorAccel)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info().Uint64("frames", bus.Published()).Msg("monitor stopped")
				return nil
			case <-client.Transport().Done():
				return fmt.Errorf("connection lost: %w", client.Transport().Err())
			case <-tick:
				accel, err := client.GetAcceleration(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("accelerometer poll failed")
					continue
				}
				out.printf("accel x=%d y=%d z=%d\n", accel.X, accel.Y, accel.Z)
			}
		}
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "print every frame sent and received")
	monitorCmd.Flags().DurationVar(&monitorAccel, "accel", 0, "poll the accelerometer at this interval")
	rootCmd.AddCommand(monitorCmd)
}
