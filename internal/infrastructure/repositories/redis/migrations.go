package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"livesync/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration represents one schema step.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: live set rebuilt from the session records
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return eachSession(ctx, client, func(s domain.SessionRecord) error {
					if !s.Live {
						return nil
					}
					return client.SAdd(ctx, keyPrefix+"session:live", string(s.ID)).Err()
				})
			},
		},
		{
			// 2: owner index
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				return eachSession(ctx, client, func(s domain.SessionRecord) error {
					return client.SAdd(ctx, keyPrefix+"session:owner:"+string(s.OwnerID), string(s.ID)).Err()
				})
			},
		},
	}
}

// eachSession scans every stored session record.
func eachSession(ctx context.Context, client *redis.Client, fn func(domain.SessionRecord) error) error {
	iter := client.Scan(ctx, 0, keyPrefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rest := strings.TrimPrefix(key, keyPrefix+"session:")
		if strings.Contains(rest, ":") || rest == "live" {
			continue
		}
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var s domain.SessionRecord
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return iter.Err()
}
