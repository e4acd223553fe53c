package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	loggingpkg "github.com/drblury/tenantflow/internal/runtime/logging"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "tenantflowd",
		Short:        "Tenant-scoped IoT event delivery",
		Long:         "tenantflowd consumes tenant event logs, delivers events to connector sinks and routes tenant calls.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (TENANTFLOW_* env vars override it)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newTenantsCommand())
	return root
}

func loadConfig(cmd *cobra.Command) (*configpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return configpkg.Load(path)
}

// newLogger builds the process logger from the log settings. "zap" selects
// a zap production logger, "text" and "json" select slog handlers.
func newLogger(conf *configpkg.Config, out io.Writer) (loggingpkg.ServiceLogger, func(), error) {
	level := strings.ToLower(conf.LogLevel)
	switch strings.ToLower(conf.LogFormat) {
	case "zap":
		zl := zapcore.InfoLevel
		if err := zl.UnmarshalText([]byte(level)); err != nil && level != "" {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", conf.LogLevel, err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zl)
		z, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return loggingpkg.NewZapServiceLogger(z), func() { _ = z.Sync() }, nil
	case "", "json", "text":
		var sl slog.Level
		if level != "" {
			if err := sl.UnmarshalText([]byte(level)); err != nil {
				return nil, nil, fmt.Errorf("invalid log level %q: %w", conf.LogLevel, err)
			}
		}
		opts := &slog.HandlerOptions{Level: sl}
		var h slog.Handler = slog.NewJSONHandler(out, opts)
		if strings.EqualFold(conf.LogFormat, "text") {
			h = slog.NewTextHandler(out, opts)
		}
		return loggingpkg.NewSlogServiceLogger(slog.New(h)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", conf.LogFormat)
	}
}
