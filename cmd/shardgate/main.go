package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pg-sharding/shardgate/app"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/pg-sharding/shardgate/pkg/topodb"
	"github.com/pg-sharding/shardgate/router/routing"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "shardgate run --config `path-to-config`",
	Short: "shardgate",
	Long:  "Sharded PostgreSQL data-access layer",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringP("config", "c", "/etc/shardgate/shardgate.yaml", "path to config file (.yaml, .toml or .json)")
	rootCmd.PersistentFlags().String("log-level", "", "override log level")
	rootCmd.PersistentFlags().String("driver", "", "override connection driver (pgx or sqlx)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "override metrics listen address")
	runCmd.Flags().Bool("tracing", false, "report spans to jaeger")

	rootCmd.AddCommand(runCmd, checkCmd)
}

// initEnv loads .env files and binds SHARDGATE_* variables.
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("shardgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("driver"); v != "" {
		cfg.Driver = v
	}
	if v := viper.GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "validate configuration and topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "configuration is invalid")
		}

		src, err := topodb.NewSource(cfg)
		if err != nil {
			return err
		}
		defer src.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Topology.LoadTimeout)
		defer cancel()
		set, err := topodb.LoadShardSet(ctx, src)
		if err != nil {
			return errors.Wrap(err, "failed to load topology")
		}
		if _, err := routing.NewRouter(set, cfg.Collections); err != nil {
			return errors.Wrap(err, "failed to build router")
		}

		fmt.Printf("configuration ok: %d shards, %d collections\n", set.Len(), len(cfg.Collections))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run shardgate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "configuration is invalid")
		}
		sglog.ReloadLogger(cfg.LogFile, cfg.PrettyLogs)

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-sigs:
					sglog.Zero.Info().Str("signal", s.String()).Msg("received signal")
					switch s {
					case syscall.SIGHUP:
						sglog.ReloadLogger(cfg.LogFile, cfg.PrettyLogs)
					default:
						cancelCtx()
						return
					}
				}
			}
		}()

		var opts []app.Option
		if viper.GetBool("tracing") {
			opts = append(opts, app.WithTracing())
		}
		sg, err := app.NewApp(ctx, cfg, opts...)
		if err != nil {
			return errors.Wrap(err, "shardgate failed to start")
		}
		sg.Subscribe(func(e events.Event) {
			sglog.Zero.Error().
				Str("kind", string(e.Kind)).
				Str("shard", e.Shard).
				Str("host", e.Host).
				Err(e.Err).
				Msg("alert")
		}, events.ShardUnhealthy, events.CircuitOpen, events.PoolPersistentFailure)

		sg.Start(ctx)

		wg := &sync.WaitGroup{}
		if cfg.MetricsAddr != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sg.ServeMetrics(ctx); err != nil {
					sglog.Zero.Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		<-ctx.Done()

		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = sg.Close(closeCtx)
		wg.Wait()
		return err
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		sglog.Zero.Fatal().Err(err).Msg("")
	}
}
