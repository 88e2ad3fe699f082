package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/reposync/reposync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "reposync",
	Short:   "Mirror a remote repository tree into a local directory, transferring only what changed",
	Version: version.Detailed(),
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func main() {
	// .env is where the original tooling kept GITHUB_TOKEN; keep honoring it
	_ = godotenv.Load()

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	for _, arg := range os.Args[1:] {
		if arg == "-v" || arg == "--verbose" {
			level = slog.LevelDebug
		}
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the YAML config file (explicit or from the default
// search path) and binds the given viper keys to the command's flags so an
// explicit flag always wins over the file.
func loadConfig(cmd *cobra.Command, binds map[string]string) (*viper.Viper, error) {
	v := viper.New()

	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		v.SetConfigFile(configFilePath)
	} else {
		home, _ := os.UserHomeDir()
		v.AddConfigPath(".")
		if home != "" {
			v.AddConfigPath(fmt.Sprintf("%s/.config/reposync", home))
		}
		v.SetConfigName("reposync")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read %q: %w", v.ConfigFileUsed(), err)
		}
	}

	for key, flagName := range binds {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}

	return v, nil
}
