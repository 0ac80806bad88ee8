package main

import (
	"fmt"
	"os"

	"github.com/snarg/scribe-engine/internal/config"
	"github.com/spf13/cobra"
)

// Set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var overrides config.Overrides

	rootCmd := &cobra.Command{
		Use:   "scribe-engine",
		Short: "Streaming audio file transcription service",
		Long: "scribe-engine decodes uploaded audio in fixed-size blocks, transcribes each block " +
			"with a Whisper-compatible engine and streams partial results to WebSocket, SSE and MQTT subscribers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(overrides)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	f.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	f.StringVar(&overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	f.StringVar(&overrides.UploadDir, "upload-dir", "", "upload directory (overrides UPLOAD_DIR)")
	f.StringVar(&overrides.WhisperURL, "whisper-url", "", "Whisper-compatible transcription endpoint (overrides WHISPER_URL)")
	f.StringVar(&overrides.WatchDir, "watch-dir", "", "hot folder to transcribe new files from (overrides WATCH_DIR)")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scribe-engine version %s (commit: %s)\n", version, commit)
		},
	}
}
