package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/realplexor/internal/config"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

// setupLogger builds the process logger. A nil logCfg gives console
// output only; --verbose wins over the configured level.
func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if logCfg == nil {
		return zapConfig.Build()
	}

	if !verbose {
		if level, err := zapcore.ParseLevel(logCfg.Level); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}
	if logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", logCfg.Directory, err)
		}
		name := "realplexor_" + time.Now().Format("20060102T150405") + ".log"
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(logCfg.Directory, name))
	}
	return zapConfig.Build()
}

// configless commands run without a config file.
var configless = map[string]bool{"help": true, "completion": true, "passwd": true}

func main() {
	rootCmd := &cobra.Command{
		Use:           "realplexor",
		Short:         "Comet push server with an IN line for publishers and a WAIT line for browsers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configless[cmd.Name()] {
				logger, err = setupLogger(verbose, nil)
				return err
			}
			if cfg, err = config.Load(cfgFile); err != nil {
				return err
			}
			logger, err = setupLogger(verbose, &cfg.Logging)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("REALPLEXOR_CONFIG"), "config file path (or set REALPLEXOR_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(onlineCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(passwdCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "realplexor: %v\n", err)
		os.Exit(1)
	}
}
