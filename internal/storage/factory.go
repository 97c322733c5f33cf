package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/storage/badger"
	"github.com/ternarybob/qaharvest/internal/storage/memory"
	"github.com/ternarybob/qaharvest/internal/storage/redis"
)

// NewStorageManager creates a new storage manager based on config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	switch config.Storage.Type {
	case "badger", "":
		return badger.NewManager(logger, &config.Storage.Badger)
	case "redis":
		return redis.NewManager(logger, &config.Storage.Redis)
	case "memory":
		logger.Warn().Msg("Using in-memory storage - state will not survive a restart")
		return memory.NewManager(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'badger', 'redis' or 'memory')", config.Storage.Type)
	}
}
