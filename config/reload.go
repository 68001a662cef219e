// 配置文件轮询重载。
//
// 仅工具目录等可在线替换的字段由回调应用，其余字段需要重启。
package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 在新配置通过校验后调用
type ReloadFunc func(old, updated *Config)

// Reloader 轮询配置文件，内容变化时重新加载
type Reloader struct {
	loader   *Loader
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	checksum  [32]byte
	callbacks []ReloadFunc
	lastErr   error
}

// NewReloader 以 current 为起点监视 loader 的配置文件
func NewReloader(loader *Loader, current *Config, interval time.Duration, logger *zap.Logger) (*Reloader, error) {
	if loader == nil || loader.configPath == "" {
		return nil, errors.New("reloader needs a loader with a config path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	r := &Reloader{
		loader:   loader,
		path:     loader.configPath,
		interval: interval,
		current:  current,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	if sum, err := fileChecksum(r.path); err == nil {
		r.checksum = sum
	}
	return r, nil
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Current 返回最近一次成功加载的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// LastError 返回最近一次失败的重载错误
func (r *Reloader) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Run 轮询直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
			}
		}
	}
}

// Check 比较文件校验和，变化时加载并通知回调，返回是否应用了新配置
func (r *Reloader) Check() (bool, error) {
	sum, err := fileChecksum(r.path)
	if err != nil {
		return false, fmt.Errorf("stat config: %w", err)
	}
	r.mu.RLock()
	same := sum == r.checksum
	r.mu.RUnlock()
	if same {
		return false, nil
	}

	updated, err := r.loader.Load()
	r.mu.Lock()
	// 无论成功与否都记住这次内容，避免对同一份坏文件反复报错
	r.checksum = sum
	if err != nil {
		r.lastErr = err
		r.mu.Unlock()
		return false, err
	}
	old := r.current
	r.current = updated
	r.lastErr = nil
	callbacks := append([]ReloadFunc(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.String("path", r.path))
	for _, fn := range callbacks {
		fn(old, updated)
	}
	return true, nil
}

func fileChecksum(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
