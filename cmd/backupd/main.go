package main

import (
	"context"
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

	"github.com/kgerg2/backup/internal/config"
	"github.com/kgerg2/backup/internal/supervisor"
	"github.com/kgerg2/backup/internal/utils"
	"github.com/kgerg2/backup/internal/version"
)

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "backupd",
	Short:   "Backup orchestration daemon",
	Long:    "backupd keeps a local folder, its replicated copies and a cloud backup consistent.",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		fmt.Println(cyan(version.AppName), version.Short())
		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		sup, err := supervisor.New(cfg)
		if err != nil {
			return err
		}
		defer slog.Info("bye")
		return sup.Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		fmt.Printf("config %s ok: %d folder(s)\n", cfg.Path, len(cfg.Folders))
		for _, f := range cfg.Folders {
			fmt.Printf("  %s (%s): %s -> %s\n", f.Name, f.ID, f.LocalRoot, f.RemoteRoot)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.AddCommand(checkCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	viper.SetEnvPrefix("BACKUPD")
	viper.AutomaticEnv()

	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flag("config").Changed {
		if p := viper.GetString("config"); p != "" {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// Secrets may live in the environment instead of the config file.
	if key := viper.GetString("syncthing_api_key"); key != "" {
		cfg.Syncthing.APIKey = key
	}
	if token := viper.GetString("control_token"); token != "" {
		cfg.Control.Token = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging replaces the startup stdout logger with one that also writes
// to the daily log file.
func setupLogging(cfg *config.Config) (func(), error) {
	if err := utils.EnsureDir(cfg.LogDir); err != nil {
		return nil, err
	}
	logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("backupd-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// The interceptor stamps each line; drop slog's own time attribute.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler(), fileHandler)))

	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

func stdoutHandler() slog.Handler {
	return tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
}

func main() {
	slog.SetDefault(slog.New(stdoutHandler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
