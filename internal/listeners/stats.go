package listeners

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/pointsledger/internal/domain"
)

// StatsClient is the subset of the redis client used for derived stats.
type StatsClient interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
}

const (
	dailyTTL   = 40 * 24 * time.Hour
	weeklyTTL  = 120 * 24 * time.Hour
	monthlyTTL = 400 * 24 * time.Hour
)

// DerivedStats maintains best-effort aggregates in Redis. Everything it
// writes can be recomputed from the ledger.
type DerivedStats struct {
	client StatsClient
}

func NewDerivedStats(client StatsClient) *DerivedStats {
	return &DerivedStats{client: client}
}

func (s *DerivedStats) Name() string { return "derived_stats" }

func LeaderboardEntryKey(userID int64) string {
	return "points:leaderboard:entry:" + strconv.FormatInt(userID, 10)
}

func ActionCounterKey(userID int64) string {
	return "points:stats:actions:" + strconv.FormatInt(userID, 10)
}

// PeriodKeys returns the daily, weekly (ISO week) and monthly counter keys for t.
func PeriodKeys(t time.Time) (daily, weekly, monthly string) {
	t = t.UTC()
	year, week := t.ISOWeek()
	daily = "points:stats:daily:" + t.Format(time.DateOnly)
	weekly = fmt.Sprintf("points:stats:weekly:%04d-W%02d", year, week)
	monthly = "points:stats:monthly:" + t.Format("2006-01")
	return daily, weekly, monthly
}

func (s *DerivedStats) Handle(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.PointsEarnedEvent:
		return s.onPointsEarned(ctx, e)
	case domain.LevelUpEvent:
		return s.onLevelUp(ctx, e)
	default:
		return nil
	}
}

func (s *DerivedStats) onPointsEarned(ctx context.Context, e domain.PointsEarnedEvent) error {
	if err := s.client.Del(ctx, LeaderboardEntryKey(e.UserID)).Err(); err != nil {
		return fmt.Errorf("invalidate leaderboard entry: %w", err)
	}

	daily, weekly, monthly := PeriodKeys(e.OccurredAt)
	for _, c := range []struct {
		key string
		ttl time.Duration
	}{
		{daily, dailyTTL},
		{weekly, weeklyTTL},
		{monthly, monthlyTTL},
	} {
		if err := s.client.IncrBy(ctx, c.key, e.Delta).Err(); err != nil {
			return fmt.Errorf("increment %s: %w", c.key, err)
		}
		if err := s.client.Expire(ctx, c.key, c.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", c.key, err)
		}
	}

	if err := s.client.HIncrBy(ctx, ActionCounterKey(e.UserID), e.Action, 1).Err(); err != nil {
		return fmt.Errorf("increment action counter: %w", err)
	}
	return nil
}

func (s *DerivedStats) onLevelUp(ctx context.Context, e domain.LevelUpEvent) error {
	if err := s.client.Del(ctx, LeaderboardEntryKey(e.UserID)).Err(); err != nil {
		return fmt.Errorf("invalidate leaderboard entry: %w", err)
	}
	if err := s.client.HIncrBy(ctx, "points:stats:levels", strconv.Itoa(e.NewLevel), 1).Err(); err != nil {
		return fmt.Errorf("increment level counter: %w", err)
	}
	return nil
}
