// Package mirror pushes best-effort copies of broker state into Redis
// for external dashboards and ops tooling. SQLite stays authoritative;
// a mirror failure is logged and never propagated.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/gpubroker/pkg/model"
)

// terminalTTL bounds how long finished jobs linger in Redis.
const terminalTTL = 24 * time.Hour

// RedisMirror writes job and host snapshots to Redis.
//
// Key layout:
//
//	job:{id}      hash with the job's display fields
//	host:{id}     hash with the host's display fields
//	active_hosts  set of online host ids
//	gpu_jobs:{status}  running counters per terminal status
type RedisMirror struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger = logger.With("component", "mirror")
	logger.Info("redis mirror connected", "addr", addr, "db", db)
	return &RedisMirror{rdb: rdb, logger: logger}, nil
}

// SyncJob writes the job's current snapshot.
func (m *RedisMirror) SyncJob(ctx context.Context, j *model.Job) {
	key := "job:" + j.ID
	fields := map[string]interface{}{
		"status":     string(j.Status),
		"renter_id":  j.RenterID,
		"host_id":    j.AssignedHostID,
		"attempts":   j.Attempts,
		"cost":       fmt.Sprintf("%.6f", j.Cost),
		"updated_at": time.Now().UTC().Unix(),
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.Status.IsTerminal() {
		pipe.Expire(ctx, key, terminalTTL)
		pipe.Incr(ctx, "gpu_jobs:"+string(j.Status))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("redis job sync failed", "job_id", j.ID, "error", err)
	}
}

// SyncHost writes the host's current snapshot and maintains the
// active_hosts set.
func (m *RedisMirror) SyncHost(ctx context.Context, h *model.Host) {
	key := "host:" + h.ID

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":         string(h.Status),
		"owner_id":       h.OwnerID,
		"gpu_model":      h.GPUModel,
		"price_per_hour": fmt.Sprintf("%.4f", h.PricePerHour),
		"current_job_id": h.CurrentJobID,
		"updated_at":     time.Now().UTC().Unix(),
	})
	if h.Status.Online() {
		pipe.SAdd(ctx, "active_hosts", h.ID)
	} else {
		pipe.SRem(ctx, "active_hosts", h.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("redis host sync failed", "host_id", h.ID, "error", err)
	}
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
