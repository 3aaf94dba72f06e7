package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/engine"
)

var (
	streamIP       string
	streamPort     int
	streamRemember bool
	statsInterval  time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream the microphone to a receiver until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := openSettings(cfg)
		if err != nil {
			return err
		}
		target := store.Get()
		if cmd.Flags().Changed("ip") {
			target.IP = streamIP
		}
		if cmd.Flags().Changed("port") {
			target.Port = streamPort
		}

		ctrl, err := newController(cfg, logger)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		changes, cancel := ctrl.Subscribe(16)
		defer cancel()

		h, err := ctrl.Create()
		if err != nil {
			return err
		}
		if err := ctrl.Start(h, target.IP, target.Port); err != nil {
			return fmt.Errorf("start stream to %s:%d (%s): %w", target.IP, target.Port, engine.CodeOf(err), err)
		}
		if streamRemember {
			if err := store.Save(target); err != nil {
				logger.Warn("save settings failed", zap.Error(err))
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "streaming to %s:%d, press Ctrl+C to stop\n", target.IP, target.Port)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var tick <-chan time.Time
		if statsInterval > 0 {
			t := time.NewTicker(statsInterval)
			defer t.Stop()
			tick = t.C
		}

		var failure error
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case ev, ok := <-changes:
				if !ok {
					break loop
				}
				if ev.Handle == h && ev.To == engine.StateFailed {
					failure = fmt.Errorf("stream failed (%s): %s", ev.Code, ev.Cause)
					break loop
				}
			case <-tick:
				if st, err := ctrl.Stats(h); err == nil {
					logger.Info("stream stats",
						zap.Uint64("captured", st.FramesCaptured),
						zap.Uint64("dropped", st.FramesDropped),
						zap.Uint64("skipped", st.FramesSkipped),
						zap.Uint64("sent", st.PacketsSent),
						zap.Uint64("reconnects", st.Reconnects),
						zap.Int("buffered", st.Buffered))
				}
			}
		}

		if err := ctrl.Stop(h); err != nil {
			logger.Warn("stop failed", zap.Error(err))
		}
		st, _ := ctrl.Stats(h)
		if failure != nil && st.CaptureError != "" {
			failure = fmt.Errorf("%w: capture %s: %s", failure, st.CaptureDevice, st.CaptureError)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped: %d packets, %d bytes, %d frames dropped\n",
			st.PacketsSent, st.BytesSent, st.FramesDropped+st.FramesSkipped)
		return failure
	},
}

func init() {
	streamCmd.Flags().StringVar(&streamIP, "ip", "", "receiver address (default: saved setting)")
	streamCmd.Flags().IntVar(&streamPort, "port", 0, "receiver port (default: saved setting)")
	streamCmd.Flags().BoolVar(&streamRemember, "remember", false, "save the target after a successful start")
	streamCmd.Flags().DurationVar(&statsInterval, "stats", 10*time.Second, "stats log interval, 0 to disable")
}
