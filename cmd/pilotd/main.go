package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Pilot/internal/config"
	"OpenMCP-Pilot/pkg/logger"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

// main 是 Pilot 守护进程与命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pilotd:", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilotd",
		Short: "LLM driven phone automation agent",
		Long: `pilotd drives an Android device with a language model: it sends the
instruction and the compacted screen to the model, executes the tool calls it
returns, and persists every conversation as a session.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $PILOT_CONFIG or configs/pilot.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newSessionsCmd(),
		newToolsCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newProvideCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "pilotd version %s\n", version)
			},
		},
	)
	return rootCmd
}

// loadConfig 读取配置并初始化日志。
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := config.Resolve(cfgFile); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
