package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/kairon-os/kairon/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _         _\n" +
		" | | ____ _(_)_ __ ___  _ __\n" +
		" | |/ / _` | | '__/ _ \\| '_ \\\n" +
		" |   < (_| | | | | (_) | | | |\n" +
		" |_|\\_\\__,_|_|_|  \\___/|_| |_|\n"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "kairon",
	Short: "Kairon - event, trace and projection pipeline",
	Long:  color.CyanString(logo) + "\nCaptures messages as events, reasons over them and keeps correctable projections.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFlag != "" {
			if err := os.Setenv("KAIRON_CONFIG", configFlag); err != nil {
				return err
			}
		}
		level, err := parseLevel(logLevelFlag)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.kairon/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(projectionsCmd)
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(expireCmd)
}
