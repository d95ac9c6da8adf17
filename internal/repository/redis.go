package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/botpros-admin/qb-bitrix-connector/internal/config"
	"github.com/botpros-admin/qb-bitrix-connector/internal/models"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTicketExists  = errors.New("session ticket already exists")
	ErrUnknownTicket = errors.New("unknown session ticket")
)

const sessionKeyPrefix = "qbwc:session:"

// RedisSessionRepository shares sessions between replicas; idle sessions expire with the key TTL.
type RedisSessionRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) *RedisSessionRepository {
	return &RedisSessionRepository{
		client: client,
		ttl:    ttl,
	}
}

func sessionKey(ticket string) string {
	return sessionKeyPrefix + ticket
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *models.Session) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(session.Ticket), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session in redis: %w", err)
	}
	if !ok {
		return ErrTicketExists
	}
	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, ticket string) (*models.Session, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, sessionKey(ticket)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Save overwrites an existing session and refreshes its TTL.
func (r *RedisSessionRepository) Save(ctx context.Context, session *models.Session) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := r.client.SetXX(ctx, sessionKey(session.Ticket), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save session in redis: %w", err)
	}
	if !ok {
		return ErrUnknownTicket
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, ticket string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, sessionKey(ticket)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Count(ctx context.Context) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	n := 0
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return n, nil
}

// EvictIdle is a no-op: Redis expires idle sessions itself.
func (r *RedisSessionRepository) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
