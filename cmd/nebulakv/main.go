// Command nebulakv drives the acceleration layer against a Redis server.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
)

var version = "0.1.0"

func main() {
	err := newRootCmd().Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nebulakv",
		Short: "nebulakv - acceleration layer for Redis key-value and vector workloads",
		Long: `nebulakv sits between an application and a Redis server. It pools
connections, batches requests, caches hot values and repeated searches,
and recommends tuning changes from live metrics.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return logger.Init(cfg.Logging)
		},
	}

	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("redis-addr", "", "Redis address, overrides redis.addr")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides logging.level")
	for _, name := range []string{"config", "redis-addr", "log-level"} {
		if err := viper.BindPFlag(name, root.PersistentFlags().Lookup(name)); err != nil {
			logger.Get().Error("failed to bind flag", zap.String("flag", name), zap.Error(err))
		}
	}
	viper.SetEnvPrefix("NEBULAKV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nebulakv v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	root.AddCommand(newBenchCmd())
	return root
}

// loadConfig resolves the configuration from the file named by --config
// (or NEBULAKV_CONFIG), then applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
