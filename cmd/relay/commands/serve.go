package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-relay/config"
	"github.com/agentuity/go-relay/env"
	"github.com/agentuity/go-relay/eventing"
	"github.com/agentuity/go-relay/logger"
	"github.com/agentuity/go-relay/server"
	"github.com/agentuity/go-relay/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// loadConfig layers the YAML file, dotenv file, process environment and the
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	fileVals := map[string]string{}
	if envFile != "" {
		vals, err := env.ParseEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		fileVals = vals
	}
	cfg, err := config.LoadWithLookup(configPath, env.Lookup(fileVals))
	if err != nil {
		return nil, err
	}

	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("session-ttl") {
		v, _ := flags.GetString("session-ttl")
		d, err := config.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrap(err, "--session-ttl")
		}
		cfg.SessionTTL = config.Duration(d)
	}
	if flags.Changed("sweep-interval") {
		v, _ := flags.GetString("sweep-interval")
		d, err := config.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrap(err, "--sweep-interval")
		}
		cfg.SweepInterval = config.Duration(d)
	}
	if flags.Changed("notify-on-disconnect") {
		cfg.NotifyOnDisconnect, _ = flags.GetBool("notify-on-disconnect")
	}
	if flags.Changed("redis-url") {
		cfg.Redis.URL, _ = flags.GetString("redis-url")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	if f := cmd.Flag("log-level"); f != nil && f.Changed {
		cfg.Log.Level = f.Value.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}
	return client, nil
}

// newServeLogger builds the process logger and, when a log file is
// configured, mirrors entries into it. The returned func closes the file.
func newServeLogger(cfg *config.Config) (logger.Logger, func() error, error) {
	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.New(cfg.Log.Format, level)
	if cfg.Log.File == "" {
		return log, func() error { return nil }, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	fileLevel, _ := logger.ParseLevel(cfg.Log.FileLevel)
	log.SetSink(f, fileLevel)
	return log, f.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, closeLog, err := newServeLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.URL != "" {
		otelLog, shutdown, err := telemetry.New(ctx, cfg.Telemetry.URL, cfg.Telemetry.Token, cfg.Telemetry.ServiceName, log)
		if err != nil {
			return err
		}
		defer shutdown()
		log = otelLog
	}

	var opts []server.Option
	if cfg.Redis.URL != "" {
		rdb, err := newRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, server.WithPublisher(eventing.NewRedisPublisher(log, rdb, eventing.WithChannel(cfg.Redis.Channel))))
		log.Info("publishing session events to %s", cfg.Redis.Channel)
	}

	srv, err := server.New(ctx, log, cfg, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "path to a YAML config file")
	cmd.Flags().String("env-file", "", "path to a dotenv file with RELAY_* variables")
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().IntP("port", "p", config.DefaultPort, "listen port")
	cmd.Flags().String("session-ttl", "", "age after which sessions are reaped, e.g. 30m or 1d")
	cmd.Flags().String("sweep-interval", "", "how often the reaper runs")
	cmd.Flags().Bool("notify-on-disconnect", false, "send session_ended to the remaining participant when the other disconnects")
	cmd.Flags().String("redis-url", "", "publish session lifecycle events to this redis")
	cmd.Flags().String("log-format", "", "console or json")
	cmd.Flags().String("log-file", "", "also write logs to this file")
	return cmd
}
