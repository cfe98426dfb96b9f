package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/cache"
	"github.com/mi0772/podcache/internal/cas"
	"github.com/mi0772/podcache/internal/config"
	"github.com/mi0772/podcache/internal/server"
)

var rootCmd = &cobra.Command{
	Use:     "podcache-server",
	Short:   "Run the PodCache RESP server",
	Version: "0.1.0",
	RunE:    runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.Int("port", config.DefaultPort, "TCP port to listen on")
	flags.Int("size", config.DefaultSizeMiB, "total cache size in MiB, shared across all partitions")
	flags.Int("partitions", config.DefaultPartitions, "number of independently-locked cache partitions")
	flags.String("fsroot", config.DefaultFSRoot, "directory under which the disk spill tier is created")

	_ = viper.BindPFlag("port", flags.Lookup("port"))
	_ = viper.BindPFlag("size", flags.Lookup("size"))
	_ = viper.BindPFlag("partitions", flags.Lookup("partitions"))
	_ = viper.BindPFlag("fsroot", flags.Lookup("fsroot"))

	viper.SetEnvPrefix("podcache")
	_ = viper.BindEnv("port", "PODCACHE_SERVER_PORT")
	_ = viper.BindEnv("size", "PODCACHE_SIZE")
	_ = viper.BindEnv("partitions", "PODCACHE_PARTITIONS")
	_ = viper.BindEnv("fsroot", "PODCACHE_FSROOT")
}

// resolveConfig merges flags, env vars and defaults through viper
// (flags win, then env, then the flag default) and validates the
// result through the same bounds config.FromEnv enforces.
func resolveConfig() (config.Config, error) {
	cfg := config.Config{
		Port:       viper.GetInt("port"),
		SizeMiB:    viper.GetInt("size"),
		Partitions: viper.GetInt("partitions"),
		FSRoot:     viper.GetString("fsroot"),
	}
	return cfg, validate(cfg)
}

func validate(cfg config.Config) error {
	if cfg.Port < 1024 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range [1024, 65535]", cfg.Port)
	}
	if cfg.SizeMiB < 1 || cfg.SizeMiB > 4096 {
		return fmt.Errorf("size %d MiB out of range [1, 4096]", cfg.SizeMiB)
	}
	if cfg.Partitions < 1 || cfg.Partitions > 64 {
		return fmt.Errorf("partitions %d out of range [1, 64]", cfg.Partitions)
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	store, err := cas.New(afero.NewOsFs(), cfg.FSRoot, log.Named("cas"))
	if err != nil {
		return fmt.Errorf("initializing disk spill tier: %w", err)
	}

	c := cache.New(cfg.ByteCapacity(), cfg.Partitions, store, log.Named("cache"), nil)
	defer func() {
		if err := c.Close(); err != nil {
			log.Error("tearing down cache", zap.Error(err))
		}
	}()
	srv := server.New(c, log.Named("server"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("starting podcache-server",
		zap.String("addr", addr),
		zap.Int("size_mib", cfg.SizeMiB),
		zap.Int("partitions", cfg.Partitions),
		zap.String("fsroot", cfg.FSRoot),
	)

	return srv.Serve(ctx, addr)
}
