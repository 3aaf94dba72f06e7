package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/capture"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/config"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/engine"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/settings"
)

var (
	version = "0.1.0"
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "openmic",
	Short: "OpenMic audio streaming engine",
	Long:  `OpenMic captures microphone audio and streams it as framed packets to a receiver over TCP.`,
	// Errors are reported once by main.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "openmic v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cfg.Dump(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./openmic.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openSettings opens the saved target, falling back to the configured one.
func openSettings(cfg *config.Config) (*settings.Store, error) {
	return settings.Open(cfg.SettingsFile, cfg.DefaultTarget())
}

func newController(cfg *config.Config, logger *zap.Logger) (*engine.Controller, error) {
	factory, err := capture.NewFactory(cfg.CaptureConfig(), logger)
	if err != nil {
		return nil, err
	}
	return engine.NewController(engine.Options{
		Format:       cfg.AudioFormat(),
		Payload:      cfg.PayloadFormat(),
		Bitrate:      cfg.OpusBitrate,
		BufferWindow: time.Duration(cfg.BufferMs) * time.Millisecond,
		StopTimeout:  cfg.StopTimeout,
		MaxEngines:   cfg.MaxEngines,
		Transmit:     cfg.TransmitOptions(),
		Capture:      factory,
	}, logger)
}
