package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docsync/backend/config"
	"docsync/backend/internal/auth"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi"
	"docsync/backend/internal/user"
	"docsync/backend/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket + REST server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, sync, err := loadConfig()
		if err != nil {
			return err
		}
		defer sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// 在线状态：配置了 redis 就走 redis，否则只在本进程内
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		presence = cache.NewRedisPresence(rdb)
	} else {
		logger.Info("redis not configured; presence is process-local")
		presence = cache.NewMemoryPresence()
	}

	// === 文档事件 ===
	var (
		events     collab.EventSink = collab.NopSink{}
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
			logger,
		)
		events = dispatcher
	} else {
		logger.Info("kafka not configured; document events are not published")
	}

	history := collab.NewHistoryRecorder(b.docs, collab.HistoryOptions{
		Shards:    cfg.Collab.HistoryShards,
		QueueSize: cfg.Collab.HistoryQueue,
		Timeout:   cfg.Collab.SaveTimeout,
	}, logger)

	resolver := user.NewResolver(b.users)
	svc := collab.NewService(
		b.docs,
		resolver,
		b.users,
		history,
		events,
		collab.NewSemaphoreControl(cfg.Collab.SaveConcurrency),
		collab.Options{SaveTimeout: cfg.Collab.SaveTimeout},
		logger,
	)

	hub := ws.NewHub(presence, cfg.Collab.PresenceTTL, logger)
	manager := ws.NewManager(hub, svc, cfg.Collab.AllowedOrigins, ws.ConnOptions{
		SendQueue:      cfg.Collab.SendQueue,
		WriteWait:      cfg.Collab.WriteWait,
		PongWait:       cfg.Collab.PongWait,
		MaxMessageSize: cfg.Collab.MaxMessageSize,
		StoreTimeout:   cfg.Collab.SaveTimeout,
		Persist: collab.PersisterOptions{
			Floor:     cfg.Collab.SaveIntervalFloor,
			Timeout:   cfg.Collab.SaveTimeout,
			SkipEmpty: cfg.Collab.SkipEmptySaves,
		},
	}, logger)

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty; using the development secret")
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Gate:           auth.NewGate(tokens, resolver),
		Service:        svc,
		Hub:            hub,
		Manager:        manager,
		Login:          auth.NewLoginHandler(b.users, tokens, logger),
		AllowedOrigins: cfg.Collab.AllowedOrigins,
		Log:            logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(sctx)
		// websocket 连接已被劫持，Shutdown 不管；这里关掉并等待每个会话冲刷待保存的快照
		if serr := manager.Shutdown(sctx); serr != nil {
			logger.Warn("sessions did not drain", zap.Error(serr))
		}
		history.Close()
		if dispatcher != nil {
			dispatcher.Close()
		}
		return err
	})
	return g.Wait()
}
