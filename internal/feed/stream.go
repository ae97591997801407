package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Kriptikz/evore-sub000/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// LiveAnnouncement is a just-closed round announced on the live stream.
type LiveAnnouncement struct {
	RoundID int64
	EndSlot int64
}

// LiveSource delivers live round announcements. Next blocks until an
// announcement arrives or ctx is done.
type LiveSource interface {
	Next(ctx context.Context) (LiveAnnouncement, error)
	Close() error
}

const liveStreamKey = "evore:rounds:live"

// RedisLiveSource consumes round announcements from a Redis stream. The
// round service XADDs one entry per closed round.
type RedisLiveSource struct {
	client *redis.Client
	lastID string
	logger *slog.Logger
}

func NewRedisLiveSource(url string, logger *slog.Logger) (*RedisLiveSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisLiveSource{
		client: client,
		lastID: "$",
		logger: logger.With("component", "live_source"),
	}, nil
}

func (s *RedisLiveSource) Next(ctx context.Context) (LiveAnnouncement, error) {
	for {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{liveStreamKey, s.lastID},
			Count:   1,
			Block:   0,
		}).Result()
		if err != nil {
			return LiveAnnouncement{}, fmt.Errorf("read live round stream: %w", err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}

		msg := res[0].Messages[0]
		s.lastID = msg.ID

		ann, err := parseAnnouncement(msg.Values)
		if err != nil {
			s.logger.Warn("malformed live round entry", "id", msg.ID, "error", err)
			continue
		}
		metrics.FeedLiveRoundsSeen.Inc()
		return ann, nil
	}
}

func (s *RedisLiveSource) Close() error {
	return s.client.Close()
}

func parseAnnouncement(values map[string]any) (LiveAnnouncement, error) {
	roundStr, ok := values["round_id"].(string)
	if !ok {
		return LiveAnnouncement{}, fmt.Errorf("missing round_id")
	}
	roundID, err := strconv.ParseInt(roundStr, 10, 64)
	if err != nil {
		return LiveAnnouncement{}, fmt.Errorf("parse round_id %q: %w", roundStr, err)
	}

	var endSlot int64
	if slotStr, ok := values["end_slot"].(string); ok {
		endSlot, _ = strconv.ParseInt(slotStr, 10, 64)
	}

	return LiveAnnouncement{RoundID: roundID, EndSlot: endSlot}, nil
}

// ChanLiveSource is an in-process fallback used when REDIS_URL is unset and
// in tests. Announcements are pushed via Announce.
type ChanLiveSource struct {
	ch chan LiveAnnouncement
}

func NewChanLiveSource(buffer int) *ChanLiveSource {
	return &ChanLiveSource{ch: make(chan LiveAnnouncement, buffer)}
}

func (s *ChanLiveSource) Announce(ann LiveAnnouncement) {
	s.ch <- ann
}

func (s *ChanLiveSource) Next(ctx context.Context) (LiveAnnouncement, error) {
	select {
	case <-ctx.Done():
		return LiveAnnouncement{}, ctx.Err()
	case ann := <-s.ch:
		metrics.FeedLiveRoundsSeen.Inc()
		return ann, nil
	}
}

func (s *ChanLiveSource) Close() error { return nil }
