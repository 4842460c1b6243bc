// Package backend opens the storage.Store selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/snehjoshi/remindq/internal/config"
	"github.com/snehjoshi/remindq/internal/storage"
	"github.com/snehjoshi/remindq/internal/storage/local"
	"github.com/snehjoshi/remindq/internal/storage/memory"
	redisstore "github.com/snehjoshi/remindq/internal/storage/redis"
)

// Open returns the store named by cfg.Backend. The redis backend is pinged
// before Open returns, so a bad URL or unreachable server fails startup.
func Open(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, redisstore.Config{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendLocal:
		s, err := local.Open(cfg.DataDir, local.Config{
			CompactionInterval: cfg.CompactionInterval.Std(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("backend: unknown store backend %q", cfg.Backend)
	}
}
