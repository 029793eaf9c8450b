package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/health"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/projection"
	"session-control-plane/backend/internal/session/service"
)

// Stores holds the event store and projection selected by config, plus the handles that
// need closing.
type Stores struct {
	Events    eventstore.Store
	Summaries projection.Repository
	// Transactor is set when both stores live in the same Postgres database.
	Transactor service.Transactor

	DB    *sql.DB
	Redis *projection.RedisRepository
}

// OpenStores connects the backends named by cfg. clock stamps appended events; nil uses the
// wall clock.
func OpenStores(ctx context.Context, cfg *config.Config, clock eventstore.Clock) (*Stores, error) {
	s := &Stores{}
	if cfg.UseMemoryEventStore() {
		log.Printf("server: DATABASE_URL not set; using the in-memory event store")
		s.Events = eventstore.NewMemoryStore(clock)
	} else {
		conn, err := db.OpenWithOptions(cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: cfg.DBMaxOpenConns})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.DB = conn
		s.Events = eventstore.NewPostgresStore(conn, clock)
	}

	switch cfg.ProjectionBackend {
	case config.ProjectionSQL:
		if s.DB == nil {
			return nil, errors.New("sql projection requires DATABASE_URL")
		}
		s.Summaries = projection.NewPostgresRepository(s.DB)
		s.Transactor = service.NewSQLTransactor(s.DB, clock)
	case config.ProjectionRedis:
		r, err := projection.NewRedisRepository(ctx, projection.RedisConfig{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.Redis = r
		s.Summaries = r
	default:
		log.Printf("server: using the in-memory projection")
		s.Summaries = projection.NewMemoryRepository()
	}
	return s, nil
}

// AddChecks registers readiness checks for the open backends.
func (s *Stores) AddChecks(c *health.Checker) {
	if s.DB != nil {
		c.AddPinger("database", s.DB)
	}
	if s.Redis != nil {
		c.Add("redis", s.Redis.Ping)
	}
}

// Close releases the backends.
func (s *Stores) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Printf("server: close redis: %v", err)
		}
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Printf("server: close database: %v", err)
		}
	}
}
