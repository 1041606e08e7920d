package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/sheet2audio/api-go/internal/model"
)

// RedisOptions configures the shared progress store.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	// TTL expires finished records; zero keeps them forever.
	TTL time.Duration
}

// Redis stores progress as one JSON value per job, readable by any poller
// sharing the Redis instance.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		Username:     opts.Username,
		Password:     opts.Password,
		ReadTimeout:  time.Second * 5,
		WriteTimeout: time.Second * 5,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{client: client, ttl: opts.TTL}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(jobID string) string {
	return "progress:" + jobID
}

func (r *Redis) Report(ctx context.Context, jobID string, percentage int, message string) error {
	payload, err := json.Marshal(model.ProgressState{Percentage: Clamp(percentage), Message: message})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKey(jobID), payload, r.ttl).Err()
}

func (r *Redis) Read(ctx context.Context, jobID string) model.ProgressState {
	raw, err := r.client.Get(ctx, redisKey(jobID)).Bytes()
	if err != nil {
		return model.IdleProgress()
	}
	return Decode(raw)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Decode parses a stored JSON record, falling back to idle when corrupt.
func Decode(raw []byte) model.ProgressState {
	var state model.ProgressState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.IdleProgress()
	}
	state.Percentage = Clamp(state.Percentage)
	return state
}
