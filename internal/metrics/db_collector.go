package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector publishes connection statistics for the pgx pool and the
// database/sql handle used by sqlx.
type DBStatsCollector struct {
	pgxPool  *pgxpool.Pool
	sqlDB    *sql.DB
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDBStatsCollector creates a new database stats collector. Either handle may be nil.
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the collector. Safe to call more than once.
func (c *DBStatsCollector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info("database stats collector stopped")
	})
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnectionsOpen.WithLabelValues("pgx").Set(float64(stat.TotalConns()))
		DBConnectionsInUse.WithLabelValues("pgx").Set(float64(stat.AcquiredConns()))
		DBConnectionsIdle.WithLabelValues("pgx").Set(float64(stat.IdleConns()))
		DBConnectionsMaxOpen.WithLabelValues("pgx").Set(float64(stat.MaxConns()))
	}

	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		DBConnectionsOpen.WithLabelValues("sql").Set(float64(stats.OpenConnections))
		DBConnectionsInUse.WithLabelValues("sql").Set(float64(stats.InUse))
		DBConnectionsIdle.WithLabelValues("sql").Set(float64(stats.Idle))
		DBConnectionsMaxOpen.WithLabelValues("sql").Set(float64(stats.MaxOpenConnections))
	}
}

// RecordQueryDuration records the duration of a database query
func RecordQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TimeQuery is a helper function to time database queries
// Usage: defer metrics.TimeQuery("get_user")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		RecordQueryDuration(operation, time.Since(start))
	}
}
