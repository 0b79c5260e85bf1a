package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/consistency/domain"
)

const keyLatestReport = "rentway:consistency:report:latest"

// NewReportStore prefers redis and falls back to process memory.
func NewReportStore(client *redis.Client, clk clock.Clock) domain.ReportStore {
	if client == nil {
		return NewMemoryReportStore(clk)
	}
	return NewRedisReportStore(client)
}

type RedisReportStore struct {
	client *redis.Client
}

func NewRedisReportStore(client *redis.Client) *RedisReportStore {
	return &RedisReportStore{client: client}
}

func (s *RedisReportStore) Save(ctx context.Context, report *domain.Report, ttl time.Duration) error {
	if report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyLatestReport, payload, ttl).Err()
}

func (s *RedisReportStore) Latest(ctx context.Context) (*domain.Report, bool, error) {
	payload, err := s.client.Get(ctx, keyLatestReport).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var report domain.Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

// MemoryReportStore keeps the latest report in process. The stored copy is a
// JSON round trip so callers never share slices with it.
type MemoryReportStore struct {
	mu        sync.RWMutex
	clock     clock.Clock
	payload   []byte
	expiresAt time.Time
}

func NewMemoryReportStore(clk clock.Clock) *MemoryReportStore {
	return &MemoryReportStore{clock: clk}
}

func (s *MemoryReportStore) Save(_ context.Context, report *domain.Report, ttl time.Duration) error {
	if report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = payload
	s.expiresAt = time.Time{}
	if ttl > 0 {
		s.expiresAt = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryReportStore) Latest(_ context.Context) (*domain.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.payload == nil {
		return nil, false, nil
	}
	if !s.expiresAt.IsZero() && !s.clock.Now().Before(s.expiresAt) {
		return nil, false, nil
	}
	var report domain.Report
	if err := json.Unmarshal(s.payload, &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}
