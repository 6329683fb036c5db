package logging

import (
	"go.uber.org/zap"
)

// New 构造 zap logger。返回的 AtomicLevel 可以在运行时调整级别（配置热更新用）
func New(level string, development bool) (*zap.Logger, zap.AtomicLevel, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, lvl, nil
}
