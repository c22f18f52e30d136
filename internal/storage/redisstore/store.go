// Package redisstore implements the artwork store on Redis. Artworks are
// JSON blobs under art:{id}; membership structures (per-session fresh
// lists, style tag sets, emergency zset, recent list) hold ids only.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/storage"
)

const (
	artKeyPrefix   = "art:"
	freshKeyPrefix = "session:"
	freshKeySuffix = ":fresh"
	styleKeyPrefix = "style:"
	emergencyKey   = "emergency"
	recentKey      = "recent"

	recentCap = 200
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

type Store struct {
	rdb *redis.Client
	log *slog.Logger
}

var _ storage.Interface = (*Store)(nil)

func New(ctx context.Context, addr string, log *slog.Logger, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if log == nil {
		log = slog.Default()
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, log: log}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func freshKey(sessionID string) string {
	return freshKeyPrefix + sessionID + freshKeySuffix
}

// fetch resolves artwork ids to decoded artworks, silently dropping ids
// with missing or unreadable blobs.
func (s *Store) fetch(ctx context.Context, ids []string) ([]model.Artwork, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = artKeyPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d artworks: %w", len(keys), err)
	}
	out := make([]model.Artwork, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a model.Artwork
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			s.log.Warn("dropping undecodable artwork", "id", ids[i], "err", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) FreshArtworks(ctx context.Context, sessionID, userID string, limit int) ([]model.Artwork, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.LRange(ctx, freshKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE fresh %s: %w", sessionID, err)
	}
	return s.fetch(ctx, ids)
}

func (s *Store) CatalogCandidates(ctx context.Context, userID string, styleTags []string, limit int) ([]model.Artwork, error) {
	if limit <= 0 || len(styleTags) == 0 {
		return nil, nil
	}
	keys := make([]string, len(styleTags))
	for i, t := range styleTags {
		keys[i] = styleKeyPrefix + t
	}
	ids, err := s.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SUNION styles: %w", err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.fetch(ctx, ids)
}

func (s *Store) EmergencyFallback(ctx context.Context, userID string, opts storage.EmergencyOpts) ([]model.Artwork, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	// over-fetch so orientation filtering can still fill the limit
	fetchN := int64(limit)
	if opts.Orientation != "" {
		fetchN *= 3
	}
	ids, err := s.rdb.ZRevRange(ctx, emergencyKey, 0, fetchN-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE emergency: %w", err)
	}
	arts, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	if opts.Orientation == "" {
		if len(arts) > limit {
			arts = arts[:limit]
		}
		return arts, nil
	}
	out := make([]model.Artwork, 0, limit)
	for _, a := range arts {
		if a.Orientation == opts.Orientation {
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) RecentArt(ctx context.Context, limit int) ([]model.Artwork, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE recent: %w", err)
	}
	return s.fetch(ctx, ids)
}

// PutArtwork stores the blob and indexes its style tags. Completed
// generation jobs land here before being offered to sessions.
func (s *Store) PutArtwork(ctx context.Context, a model.Artwork) error {
	if !a.Valid() {
		return errors.New("artwork missing id or image reference")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artwork %s: %w", a.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, artKeyPrefix+a.ID, raw, 0)
	for _, t := range a.StyleTags {
		pipe.SAdd(ctx, styleKeyPrefix+t, a.ID)
	}
	pipe.LPush(ctx, recentKey, a.ID)
	pipe.LTrim(ctx, recentKey, 0, recentCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put artwork %s: %w", a.ID, err)
	}
	return nil
}

// OfferFresh appends an artwork to a session's unseen list.
func (s *Store) OfferFresh(ctx context.Context, sessionID, artID string) error {
	if err := s.rdb.RPush(ctx, freshKey(sessionID), artID).Err(); err != nil {
		return fmt.Errorf("redis RPUSH fresh %s: %w", sessionID, err)
	}
	return nil
}

// ConsumeFresh pops the oldest unseen artwork id once a session displays it.
func (s *Store) ConsumeFresh(ctx context.Context, sessionID string) (string, error) {
	id, err := s.rdb.LPop(ctx, freshKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis LPOP fresh %s: %w", sessionID, err)
	}
	return id, nil
}

// ArtworkReady is the worker sink: persist the artwork and offer it to
// the session that asked for it.
func (s *Store) ArtworkReady(ctx context.Context, sessionID string, art model.Artwork) error {
	if err := s.PutArtwork(ctx, art); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	return s.OfferFresh(ctx, sessionID, art.ID)
}

// AddEmergency places an artwork in the curated global emergency pool.
func (s *Store) AddEmergency(ctx context.Context, artID string, score float64) error {
	if err := s.rdb.ZAdd(ctx, emergencyKey, redis.Z{Score: score, Member: artID}).Err(); err != nil {
		return fmt.Errorf("redis ZADD emergency: %w", err)
	}
	return nil
}
