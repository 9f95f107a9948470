package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"

	"github.com/kennteohstorehub/sh-hackaton-sub004/models"
)

const queueConfigPrefix = "queue:config:"
const queueConfigTTL = 5 * time.Minute

// recordFinder is the slice of core.App the directory needs.
type recordFinder interface {
	FindRecordById(collectionModelOrIdentifier any, recordId string, optFilters ...func(q *dbx.SelectQuery) error) (*core.Record, error)
}

// PBQueueDirectory resolves waiting-line configuration from the
// merchant "queues" collection, with a Redis read-through cache so the
// join hot path does not hit the database.
type PBQueueDirectory struct {
	app   recordFinder
	redis *redis.Client
}

func NewPBQueueDirectory(app recordFinder, redisClient *redis.Client) *PBQueueDirectory {
	return &PBQueueDirectory{app: app, redis: redisClient}
}

// QueueInfo returns (nil, nil) only for a genuinely unknown id; a
// database failure surfaces as an error so an outage does not read as
// queue-not-found.
func (d *PBQueueDirectory) QueueInfo(ctx context.Context, queueID string) (*models.QueueInfo, error) {
	if info := d.cached(ctx, queueID); info != nil {
		return info, nil
	}

	record, err := d.app.FindRecordById("queues", queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue config %s: %w", queueID, err)
	}

	info := recordToQueueInfo(record)
	d.cache(ctx, info)
	return info, nil
}

// Invalidate drops the cached config after a merchant edit.
func (d *PBQueueDirectory) Invalidate(ctx context.Context, queueID string) {
	if d.redis == nil {
		return
	}
	d.redis.Del(ctx, queueConfigPrefix+queueID)
}

func (d *PBQueueDirectory) cached(ctx context.Context, queueID string) *models.QueueInfo {
	if d.redis == nil {
		return nil
	}
	fields, err := d.redis.HGetAll(ctx, queueConfigPrefix+queueID).Result()
	if err != nil || len(fields) == 0 {
		return nil
	}
	capacity, _ := strconv.Atoi(fields["capacity"])
	open, _ := strconv.ParseBool(fields["open"])
	dup, _ := strconv.ParseBool(fields["allow_duplicate_contact"])
	return &models.QueueInfo{
		ID:                    queueID,
		Name:                  fields["name"],
		Capacity:              capacity,
		Open:                  open,
		AllowDuplicateContact: dup,
	}
}

func (d *PBQueueDirectory) cache(ctx context.Context, info *models.QueueInfo) {
	if d.redis == nil {
		return
	}
	key := queueConfigPrefix + info.ID
	d.redis.HSet(ctx, key, map[string]any{
		"name":                    info.Name,
		"capacity":                info.Capacity,
		"open":                    info.Open,
		"allow_duplicate_contact": info.AllowDuplicateContact,
	})
	d.redis.Expire(ctx, key, queueConfigTTL)
}

func recordToQueueInfo(record *core.Record) *models.QueueInfo {
	return &models.QueueInfo{
		ID:                    record.Id,
		Name:                  record.GetString("name"),
		Capacity:              record.GetInt("capacity"),
		Open:                  record.GetBool("open"),
		AllowDuplicateContact: record.GetBool("allow_duplicate_contact"),
	}
}
