package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/woosh/adapters/events"
	"github.com/layer-3/woosh/adapters/store"
	"github.com/layer-3/woosh/adapters/tokenizer"
	"github.com/layer-3/woosh/config"
	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/ports"
	"github.com/layer-3/woosh/service"
	"github.com/layer-3/woosh/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const tokenTTL = 24 * time.Hour

func serveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	f.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "store backend: memory, redis or postgres")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the redis store and event stream")
	f.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "key prefix for the redis store")
	f.StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "PostgreSQL DSN for the postgres store")
	f.DurationVar(&cfg.MessageTTL, "message-ttl", cfg.MessageTTL, "lifetime of a message after it is read")
	f.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "time between expiry sweeps")
	f.IntVar(&cfg.SweepBatch, "sweep-batch", cfg.SweepBatch, "expiry entries handled per store round trip")
	f.StringVar(&cfg.EventTopicPrefix, "event-prefix", cfg.EventTopicPrefix, "prefix for published event topics")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	return cmd
}

func newTokenizer(cfg *config.Config) ports.Tokenizer {
	return tokenizer.NewJWTTokenizer([]byte(cfg.JWTSecret), tokenTTL)
}

func newLogger(cfg *config.Config) (watermill.LoggerAdapter, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return watermill.NewSlogLogger(slog.New(handler)), nil
}

// backend bundles the store and event publisher chosen by configuration
type backend struct {
	store     ports.Store
	publisher message.Publisher
	closers   []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (*backend, error) {
	b := &backend{}

	if cfg.StoreBackend == config.BackendMemory {
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
		b.store = store.NewMemoryStore()
		b.publisher = pubSub
		b.closers = append(b.closers, pubSub.Close)
		return b, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisClient := redis.NewClient(opts)
	b.closers = append(b.closers, redisClient.Close)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		logger,
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
	}
	b.publisher = publisher
	b.closers = append(b.closers, publisher.Close)

	switch cfg.StoreBackend {
	case config.BackendRedis:
		b.store = store.NewRedisStore(redisClient, cfg.RedisPrefix)
	case config.BackendPostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store.NewPostgresStore(db)
		b.closers = append(b.closers, db.Close)
	}

	return b, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("Failed to close backend", err, nil)
		}
	}()

	clock := ports.SystemClock{}
	eventPub := events.NewWatermillPublisher(b.publisher, cfg.EventTopicPrefix)
	kdfParams := kdf.Params{Salt: []byte(cfg.KDFSalt), Info: []byte(cfg.KDFInfo)}

	sessions := service.NewSessionService(b.store, dhkex.RFC3526Group14(), kdfParams, eventPub, clock, logger)
	messages := service.NewMessageService(b.store, sessions, eventPub, clock, logger, service.MessageOptions{
		TTL:        cfg.MessageTTL,
		SweepBatch: cfg.SweepBatch,
	})
	sweeper := service.NewSweeper(messages, clock, cfg.SweepInterval, logger)

	gin.SetMode(gin.ReleaseMode)
	router := http.SetupRouter(http.NewChatHandlers(sessions, messages, b.store, logger), newTokenizer(cfg), logger)
	server := &nethttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("Listening", watermill.LogFields{"addr": cfg.HTTPAddr, "store": cfg.StoreBackend})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
