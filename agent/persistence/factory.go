package persistence

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

func redisClient(config StoreConfig) (redis.UniversalClient, error) {
	if config.Client != nil {
		return config.Client, nil
	}
	return NewRedisClient(config.Redis)
}

// NewRecordStore creates a RecordStore based on the configuration
func NewRecordStore(config StoreConfig) (RecordStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryRecordStore(), nil
	case StoreTypeFile:
		return NewFileRecordStore(config)
	case StoreTypeRedis:
		client, err := redisClient(config)
		if err != nil {
			return nil, err
		}
		return NewRedisRecordStore(client, config.Redis.KeyPrefix), nil
	case StoreTypeSQL:
		if config.DB == nil {
			return nil, fmt.Errorf("%w: sql record store requires an open database", ErrInvalidInput)
		}
		return NewSQLRecordStore(config.DB), nil
	default:
		return nil, fmt.Errorf("unsupported record store type: %s", config.Type)
	}
}

// NewVersionLog creates a VersionLog based on the configuration
func NewVersionLog(config StoreConfig) (VersionLog, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryVersionLog(), nil
	case StoreTypeFile:
		return NewFileVersionLog(config)
	case StoreTypeRedis:
		client, err := redisClient(config)
		if err != nil {
			return nil, err
		}
		return NewRedisVersionLog(client, config.Redis.KeyPrefix), nil
	case StoreTypeSQL:
		if config.DB == nil {
			return nil, fmt.Errorf("%w: sql version log requires an open database", ErrInvalidInput)
		}
		return NewSQLVersionLog(config.DB), nil
	default:
		return nil, fmt.Errorf("unsupported version log type: %s", config.Type)
	}
}

// MustNewRecordStore creates a RecordStore or panics on error.
//
// WARNING: This function should ONLY be used during application initialization.
func MustNewRecordStore(config StoreConfig) RecordStore {
	store, err := NewRecordStore(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create record store: %v", err))
	}
	return store
}
