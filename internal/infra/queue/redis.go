package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// RedisMailQueue реализует очередь задач отправки на базе Redis lists.
// Подтверждение эмулируется: при неуспехе задача кладётся обратно в очередь.
type RedisMailQueue struct {
	client *redis.Client
	key    string
}

// NewRedisMailQueue создаёт очередь по указанному ключу.
func NewRedisMailQueue(client *redis.Client, key string) *RedisMailQueue {
	return &RedisMailQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisMailQueue) Enqueue(ctx context.Context, job domain.MailJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisMailQueue) Receive(ctx context.Context) (domain.MailJob, domain.MailAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.MailJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.MailJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.MailJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.MailJob{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var job domain.MailJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.MailJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return job, ack, nil
	}
}
