package config

import (
	"errors"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Running struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"auth"`
	Store struct {
		// memory | mysql | mongo
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queue_size"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"max_retry"`
	} `mapstructure:"kafka"`
	Collab struct {
		SaveIntervalFloor time.Duration `mapstructure:"save_interval_floor"`
		SaveTimeout       time.Duration `mapstructure:"save_timeout"`
		SkipEmptySaves    bool          `mapstructure:"skip_empty_saves"`
		SaveConcurrency   int           `mapstructure:"save_concurrency"`
		SendQueue         int           `mapstructure:"send_queue"`
		WriteWait         time.Duration `mapstructure:"write_wait"`
		PongWait          time.Duration `mapstructure:"pong_wait"`
		MaxMessageSize    int64         `mapstructure:"max_message_size"`
		HistoryShards     int           `mapstructure:"history_shards"`
		HistoryQueue      int           `mapstructure:"history_queue"`
		PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
		AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"collab"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_ttl", 30*time.Minute)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "docsync")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-events")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("collab.save_interval_floor", 2*time.Second)
	v.SetDefault("collab.save_timeout", 5*time.Second)
	v.SetDefault("collab.skip_empty_saves", false)
	v.SetDefault("collab.save_concurrency", 64)
	v.SetDefault("collab.send_queue", 256)
	v.SetDefault("collab.write_wait", 10*time.Second)
	v.SetDefault("collab.pong_wait", 60*time.Second)
	v.SetDefault("collab.max_message_size", 4<<20)
	v.SetDefault("collab.history_shards", 8)
	v.SetDefault("collab.history_queue", 1024)
	v.SetDefault("collab.presence_ttl", 60*time.Second)
	v.SetDefault("collab.allowed_origins", []string{})
}

// Load 读取配置：.env -> collabConfig.yaml -> DOCSYNC_ 环境变量（后者覆盖前者）。
// path 为空时按目录查找，找不到配置文件就只用默认值和环境变量。
func Load(path string) (*Config, *viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, err
		}
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, err
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch 监听配置文件变化，热更新日志级别；其他配置需要重启生效
func Watch(v *viper.Viper, level zap.AtomicLevel, log *zap.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		applyLogLevel(v, level, log, e.Name)
	})
	v.WatchConfig()
}

func applyLogLevel(v *viper.Viper, level zap.AtomicLevel, log *zap.Logger, file string) {
	next, err := zap.ParseAtomicLevel(v.GetString("log.level"))
	if err != nil {
		log.Warn("config reload: bad log level", zap.String("file", file), zap.Error(err))
		return
	}
	if next.Level() != level.Level() {
		level.SetLevel(next.Level())
		log.Info("config reload: log level changed", zap.String("file", file), zap.Stringer("level", next.Level()))
	}
}
