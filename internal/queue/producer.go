package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound is returned when the queue knows nothing about a job.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is what the queue knows about one job. Result holds the
// StructuredResult JSON once the job has finished.
type JobStatus struct {
	JobID  string
	State  string
	Result []byte
}

// Producer submits extraction jobs and reports their progress.
type Producer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
	Close() error
}

// RedisProducer submits jobs to the LIST consumed by RedisConsumer.
type RedisProducer struct {
	client     *redis.Client
	keys       queueKeys
	maxRetries int
}

// NewRedisProducer connects to redisURL. maxRetries <= 0 uses
// DefaultMaxRetries.
func NewRedisProducer(redisURL, queueName string, maxRetries int) (*RedisProducer, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewRedisProducerWithClient(redis.NewClient(opt), queueName, maxRetries), nil
}

// NewRedisProducerWithClient wraps an existing client.
func NewRedisProducerWithClient(client *redis.Client, queueName string, maxRetries int) *RedisProducer {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RedisProducer{client: client, keys: queueKeys(queueName), maxRetries: maxRetries}
}

// Enqueue stores the job data and pushes its ID. A job ID is generated when
// the payload has none.
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		payload.JobID = newJobID()
	}

	data, err := json.Marshal(&RedisJobData{
		ID:         payload.JobID,
		Type:       TaskExtractBOL,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: p.maxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.keys.data(), payload.JobID, data)
	pipe.LPush(ctx, p.keys.list(), payload.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	event, _ := json.Marshal(&jobEvent{
		Event:     "job:" + StateQueued,
		JobID:     payload.JobID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	p.client.Publish(ctx, p.keys.events(), event)

	return payload.JobID, nil
}

// Status derives the job state from the result hashes and state sets.
func (p *RedisProducer) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	pipe := p.client.Pipeline()
	result := pipe.HGet(ctx, p.keys.results(), jobID)
	failure := pipe.HGet(ctx, p.keys.errors(), jobID)
	processing := pipe.SIsMember(ctx, p.keys.processing(), jobID)
	known := pipe.HExists(ctx, p.keys.data(), jobID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read job status: %w", err)
	}

	status := &JobStatus{JobID: jobID}
	switch {
	case result.Err() == nil:
		status.State = StateCompleted
		status.Result = []byte(result.Val())
	case failure.Err() == nil:
		status.State = StateFailed
		status.Result = []byte(failure.Val())
	case processing.Val():
		status.State = StateProcessing
	case known.Val():
		status.State = StateQueued
	default:
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return status, nil
}

func newJobID() string {
	return uuid.New().String()
}

// Stats returns queue statistics
func (p *RedisProducer) Stats(ctx context.Context) (map[string]interface{}, error) {
	return queueStats(ctx, p.client, p.keys)
}

// Close closes the Redis connection
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
