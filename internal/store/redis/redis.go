package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis challenge Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// challenge is the wire representation of a challenge in a Redis hash.
// Timestamps are stored as Unix seconds so that HGetAll().Scan() stays
// on primitive field types.
type challenge struct {
	Channel     string `redis:"channel"`
	To          string `redis:"to"`
	Code        string `redis:"code"`
	Verified    bool   `redis:"verified"`
	Attempts    int    `redis:"attempts"`
	MaxAttempts int    `redis:"max_attempts"`
	ExpiresAt   int64  `redis:"expires_at"`
	CreatedAt   int64  `redis:"created_at"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set stores a challenge against its identifier. Any existing challenge
// for the identifier is deleted in the same transaction so that exactly
// one challenge is ever authoritative, with a fresh attempt counter.
func (r *Redis) Set(ctx context.Context, ch models.Challenge) (models.Challenge, error) {
	key := r.makeKey(ch.Identifier)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"channel", string(ch.Channel),
		"to", ch.To,
		"code", ch.Code,
		"verified", false,
		"attempts", ch.Attempts,
		"max_attempts", ch.MaxAttempts,
		"expires_at", ch.ExpiresAt.Unix(),
		"created_at", ch.CreatedAt.Unix())
	pipe.PExpire(ctx, key, ch.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return ch, err
	}

	return ch, nil
}

// Get fetches the challenge stored against an identifier.
func (r *Redis) Get(ctx context.Context, identifier string) (models.Challenge, error) {
	var (
		key = r.makeKey(identifier)
		raw challenge
	)
	if err := r.client.HGetAll(ctx, key).Scan(&raw); err != nil {
		return models.Challenge{}, err
	}

	// Doesn't exist?
	if raw.Code == "" {
		return models.Challenge{}, store.ErrNotExist
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return models.Challenge{}, err
	}

	return models.Challenge{
		Identifier:  identifier,
		Channel:     models.Channel(raw.Channel),
		To:          raw.To,
		Code:        raw.Code,
		Verified:    raw.Verified,
		Attempts:    raw.Attempts,
		MaxAttempts: raw.MaxAttempts,
		ExpiresAt:   time.Unix(raw.ExpiresAt, 0),
		CreatedAt:   time.Unix(raw.CreatedAt, 0),
		TTL:         ttl,
	}, nil
}

// IncrAttempts atomically increments the attempt counter against an
// identifier and returns the new count.
func (r *Redis) IncrAttempts(ctx context.Context, identifier string) (int, error) {
	n, err := r.client.HIncrBy(ctx, r.makeKey(identifier), "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// MarkVerified flags a challenge as verified. The record stays behind
// as proof-of-verification until a downstream consumer deletes it.
func (r *Redis) MarkVerified(ctx context.Context, identifier string) error {
	return r.client.HSet(ctx, r.makeKey(identifier), "verified", true).Err()
}

// Delete deletes the challenge saved against a given identifier.
func (r *Redis) Delete(ctx context.Context, identifier string) error {
	return r.client.Del(ctx, r.makeKey(identifier)).Err()
}

// RateLimit records a send against the identifier and reports whether
// it was the only one within the window. SET NX makes the
// check-and-record a single atomic operation, so the window holds
// across concurrent requests and multiple service instances.
func (r *Redis) RateLimit(ctx context.Context, identifier string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:rate:%s", r.conf.KeyPrefix, identifier)
	return r.client.SetNX(ctx, key, 1, window).Result()
}

// makeKey makes the Redis key for the challenge.
func (r *Redis) makeKey(identifier string) string {
	return fmt.Sprintf("%s:%s", r.conf.KeyPrefix, identifier)
}
