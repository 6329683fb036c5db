package main

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"docsync/backend/config"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/store"
	"docsync/backend/internal/user"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// backends 按 store.driver 打开的文档存储和用户仓库
type backends struct {
	docs      store.DocumentStore
	users     user.Repository
	migrators []migrator
	closers   []func()
}

func (b *backends) migrate(ctx context.Context) error {
	for _, m := range b.migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.Store.Driver {
	case "mysql":
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		// 用户仓库直接复用 gorm 底层的连接池
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("mysql pool: %w", err)
		}
		b.closers = append(b.closers, func() { _ = sqlDB.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		docs := store.NewGormStore(gdb)
		users := user.NewMySQLRepository(sqlDB)
		b.docs, b.users = docs, users
		b.migrators = []migrator{docs, users}

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		db := client.Database(cfg.Mongo.Database)
		docs := store.NewMongoStore(db)
		users := user.NewMongoRepository(db)
		b.docs, b.users = docs, users
		b.migrators = []migrator{docs, users}

	case "memory", "":
		log.Warn("using in-memory store; documents and users are lost on restart")
		b.docs = store.NewMemoryStore()
		b.users = user.NewMemoryRepository()

	default:
		return nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	return b, nil
}

// loadConfig 读取配置并构造 logger，--log-level 覆盖配置文件
func loadConfig() (*config.Config, *zap.Logger, func(), error) {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	if logLevel == "" {
		config.Watch(v, level, logger)
	}
	return cfg, logger, func() { _ = logger.Sync() }, nil
}
