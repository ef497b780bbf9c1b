package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirrorbox/mirrorbox/internal/config"
	"github.com/mirrorbox/mirrorbox/internal/remote"
	"github.com/mirrorbox/mirrorbox/internal/sync"
	"github.com/mirrorbox/mirrorbox/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "mirrorbox",
	Short:   "MirrorBox sync client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:          viper.ConfigFileUsed(),
			DataDir:       viper.GetString("data_dir"),
			RemoteURL:     viper.GetString("remote_url"),
			AccessToken:   viper.GetString("access_token"),
			Parallelism:   viper.GetInt("parallelism"),
			ExcludedPaths: viper.GetStringSlice("excluded_paths"),
			MignorePath:   viper.GetString("mignore_path"),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		client := remote.NewHTTPClient(cfg.RemoteURL, cfg.AccessToken)

		engine, err := sync.NewEngine(sync.Options{
			Root:          cfg.DataDir,
			Parallelism:   cfg.Parallelism,
			ExcludedPaths: cfg.ExcludedPaths,
			MignorePath:   cfg.MignorePath,
		}, client, nil, sync.Hooks{
			OnBatchApplied: func(direction sync.Direction, count int, summary string) {
				slog.Info("batch applied", "direction", direction, "summary", summary)
			},
			OnError: func(kind, path, message string) {
				slog.Error("sync error", "kind", kind, "path", path, "message", message)
			},
			OnStateChange: func(oldState, newState sync.State) {
				slog.Info("state change", "from", oldState, "to", newState)
			},
		})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := engine.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		defer slog.Info("Bye!")
		if err := engine.Stop(); err != nil && !errors.Is(err, sync.ErrNotRunning) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Local sync directory")
	rootCmd.Flags().StringP("remote", "r", "", "Remote server URL")
	rootCmd.Flags().StringP("token", "t", "", "Access token")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
}

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".mirrorbox"))
		viper.AddConfigPath(filepath.Join(home, ".config/mirrorbox"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("remote_url", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("access_token", cmd.Flags().Lookup("token"))

	viper.SetEnvPrefix("MIRRORBOX")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("MirrorBox %s\n", version.Short())
}
