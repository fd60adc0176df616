package welfarekit

import (
	"context"
	"fmt"
	"time"

	"github.com/fernandezvara/dbkit"
	"go.uber.org/zap"
)

// Health performs a comprehensive health check of the database connection.
// Returns detailed status including latency, connection pool statistics, and error information.
func (s *BunStore) Health(ctx context.Context) dbkit.HealthStatus {
	// Check if we have a DBKit instance
	if db, ok := s.db.(*dbkit.DBKit); ok {
		return db.Health(ctx)
	}

	// Inside a transaction only a ping is possible
	return dbkit.HealthStatus{
		Healthy: s.IsHealthy(ctx),
		Error:   "Limited health check - not a DBKit instance",
	}
}

// IsHealthy reports whether the database is reachable.
func (s *BunStore) IsHealthy(ctx context.Context) bool {
	if db, ok := s.db.(*dbkit.DBKit); ok {
		return db.IsHealthy(ctx)
	}
	return s.Ping(ctx) == nil
}

// Ping performs a basic connectivity test to the database.
func (s *BunStore) Ping(ctx context.Context) error {
	var result int
	return s.db.NewRaw("SELECT 1").Scan(ctx, &result)
}

// PoolStats returns connection pool statistics for monitoring.
// Returns zero values if the database instance doesn't support pool statistics.
func (s *BunStore) PoolStats() dbkit.PoolStats {
	if db, ok := s.db.(*dbkit.DBKit); ok {
		return dbkit.PoolStatsFromSQL(db.Stats())
	}
	return dbkit.PoolStats{}
}

// PoolConfig holds the database connection pool settings.
type PoolConfig struct {
	MaxOpenConnections    int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
	ConnectionMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings sized for a single API node.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConnections:    25,
		MaxIdleConnections:    5,
		ConnectionMaxLifetime: 30 * time.Minute,
		ConnectionMaxIdleTime: 5 * time.Minute,
	}
}

// ConfigurePool applies pool settings to the underlying database.
func (s *BunStore) ConfigurePool(config PoolConfig) error {
	db, ok := s.db.(*dbkit.DBKit)
	if !ok {
		return fmt.Errorf("connection pool configuration requires a dbkit.DBKit instance")
	}
	bunDB := db.Bun()
	if bunDB == nil {
		return fmt.Errorf("database instance not available")
	}

	bunDB.SetMaxOpenConns(config.MaxOpenConnections)
	bunDB.SetMaxIdleConns(config.MaxIdleConnections)
	bunDB.SetConnMaxLifetime(config.ConnectionMaxLifetime)
	bunDB.SetConnMaxIdleTime(config.ConnectionMaxIdleTime)

	s.logger.Info("connection pool configured",
		zap.Int("max_open", config.MaxOpenConnections),
		zap.Int("max_idle", config.MaxIdleConnections),
		zap.Duration("max_lifetime", config.ConnectionMaxLifetime),
		zap.Duration("max_idle_time", config.ConnectionMaxIdleTime))
	return nil
}
