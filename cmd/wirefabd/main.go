package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wirefab/wirefab/internal/auth"
	"github.com/wirefab/wirefab/internal/config"
	"github.com/wirefab/wirefab/internal/logger"
	"github.com/wirefab/wirefab/internal/relay"
	"github.com/wirefab/wirefab/internal/relay/history"
)

func main() {
	var (
		addr       string
		configPath string
		dbPath     string
	)

	root := &cobra.Command{
		Use:   "wirefabd",
		Short: "wirefab relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if addr != "" {
				cfg.Listen = addr
			}
			if dbPath != "" {
				cfg.History.Path = dbPath
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			log := logger.Log

			rules := auth.NewStaticRules(topicACLs(cfg), cfg.Limits.PerUser, cfg.Limits.RateLimit)

			var validator auth.TokenValidator = auth.AllowAnonymous
			if cfg.Auth.JWTSecret != "" {
				validator = auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
			}

			var hist *history.Store
			if cfg.History.Path != "" {
				var err error
				hist, err = history.Open(cfg.History.Path, cfg.History.Retention)
				if err != nil {
					return fmt.Errorf("open history store: %w", err)
				}
				defer hist.Close()
			}

			srv := relay.New(relay.Config{
				Validator:          validator,
				Rules:              rules,
				MaxMessageSize:     cfg.Limits.MaxMessageSize,
				EnableRateLimit:    cfg.Limits.RateLimitEnabled,
				SessionPersistence: cfg.Session.Persistence,
				ForwardRawFrames:   cfg.Topics.ForwardRawFrames,
				History:            hist,
				HistoryReplay:      cfg.History.Replay,
				Logger:             log,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				go func() {
					err := config.Watch(ctx, configPath, log, func(next *config.Config) {
						rules.Update(topicACLs(next), next.Limits.PerUser, next.Limits.RateLimit)
						for user := range next.Limits.PerUser {
							srv.InvalidateRateLimit(user)
						}
					})
					if err != nil && ctx.Err() == nil {
						log.Warn("config watcher stopped", "err", err)
					}
				}()
			}

			log.Info("wirefabd listening", "addr", cfg.Listen)
			return srv.Run(ctx, cfg.Listen)
		},
	}

	root.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	root.Flags().StringVar(&configPath, "config", "", "config file path")
	root.Flags().StringVar(&dbPath, "db", "", "history database path (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func topicACLs(cfg *config.Config) map[string]auth.TopicACL {
	acls := make(map[string]auth.TopicACL, len(cfg.Topics.ACL))
	for topic, acl := range cfg.Topics.ACL {
		acls[topic] = auth.TopicACL{Subscribe: acl.Subscribe, Publish: acl.Publish}
	}
	return acls
}
