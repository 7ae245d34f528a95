/**
 * Direct Redis Queue Consumer for the BOL extraction worker
 *
 * Jobs are IDs on a Redis LIST with their data in a side hash, so any
 * producer that can LPUSH and HSET can submit work.
 */

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/redis/go-redis/v9"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// queueKeys names the Redis structures around one queue LIST.
type queueKeys string

func (q queueKeys) list() string       { return string(q) }
func (q queueKeys) data() string       { return string(q) + ":data" }
func (q queueKeys) processing() string { return string(q) + ":processing" }
func (q queueKeys) completed() string  { return string(q) + ":completed" }
func (q queueKeys) failed() string     { return string(q) + ":failed" }
func (q queueKeys) results() string    { return string(q) + ":results" }
func (q queueKeys) errors() string     { return string(q) + ":errors" }
func (q queueKeys) events() string     { return string(q) + ":events" }

// jobEvent is published on the events channel on every state change.
type jobEvent struct {
	Event        string `json:"event"`
	JobID        string `json:"jobId"`
	Timestamp    string `json:"timestamp"`
	QualityScore *int   `json:"qualityScore,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client  *redis.Client
	handler *JobHandler
	config  *RedisConsumerConfig
	keys    queueKeys
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *logging.Logger
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *JobHandler
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:  client,
		handler: cfg.Handler,
		config:  cfg,
		keys:    queueKeys(cfg.QueueName),
		ctx:     consumerCtx,
		cancel:  cancel,
		logger:  logging.NewLogger("RedisConsumer"),
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop waits for in-flight jobs and closes the connection
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Error("Worker error", "worker", id, "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.keys.list()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]
	raw, err := c.client.HGet(c.ctx, c.keys.data(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markUndecodable(id, err)
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.runJob(&job)
	return nil
}

func (c *RedisConsumer) runJob(job *RedisJobData) {
	// A popped job runs to completion even after Stop.
	ctx := context.WithoutCancel(c.ctx)
	jobID := job.Payload.JobID

	c.transition(ctx, jobID, StateProcessing, nil, nil)

	outcome := c.handler.Handle(ctx, &job.Payload)
	resultJSON, err := json.Marshal(outcome.Result)
	if err != nil {
		c.logger.Error("Failed to marshal result", "job", jobID, "error", err)
		resultJSON = []byte(`{"success":false}`)
	}

	if !outcome.Failed() {
		c.transition(ctx, jobID, StateCompleted, resultJSON, func(e *jobEvent) {
			score := outcome.Result.QualityScore
			e.QualityScore = &score
		})
		c.logger.Info("Job completed", "job", jobID, "duration", outcome.Duration)
		return
	}

	job.Attempts++
	if outcome.Retryable() && job.Attempts < job.MaxRetries {
		updated, err := json.Marshal(job)
		if err == nil {
			pipe := c.client.TxPipeline()
			pipe.HSet(ctx, c.keys.data(), job.ID, updated)
			pipe.SRem(ctx, c.keys.processing(), jobID)
			pipe.LPush(ctx, c.keys.list(), job.ID)
			_, err = pipe.Exec(ctx)
		}
		if err == nil {
			c.publish(ctx, jobID, StateRetrying, func(e *jobEvent) {
				e.ErrorType = string(outcome.Kind)
				e.Attempt = job.Attempts
			})
			c.logger.Warn("Job re-queued for retry", "job", jobID, "attempt", job.Attempts, "maxRetries", job.MaxRetries)
			return
		}
		c.logger.Error("Failed to re-queue job", "job", jobID, "error", err)
	}

	c.transition(ctx, jobID, StateFailed, resultJSON, func(e *jobEvent) {
		e.ErrorType = string(outcome.Kind)
		e.Attempt = job.Attempts
	})
}

// markUndecodable fails a job whose data cannot be read at all.
func (c *RedisConsumer) markUndecodable(id string, cause error) {
	envelope, _ := json.Marshal(map[string]interface{}{
		"success":    false,
		"error":      fmt.Sprintf("INPUT_INVALID: malformed job data (caused by: %v)", cause),
		"error_type": "InputInvalid",
	})
	c.transition(c.ctx, id, StateFailed, envelope, nil)
}

// transition moves jobID between the state sets, stores the result for
// terminal states and publishes the event.
func (c *RedisConsumer) transition(ctx context.Context, jobID, state string, resultJSON []byte, decorate func(*jobEvent)) {
	pipe := c.client.TxPipeline()
	switch state {
	case StateProcessing:
		pipe.SAdd(ctx, c.keys.processing(), jobID)
	case StateCompleted:
		pipe.SRem(ctx, c.keys.processing(), jobID)
		pipe.SAdd(ctx, c.keys.completed(), jobID)
		pipe.HSet(ctx, c.keys.results(), jobID, resultJSON)
	case StateFailed:
		pipe.SRem(ctx, c.keys.processing(), jobID)
		pipe.SAdd(ctx, c.keys.failed(), jobID)
		pipe.HSet(ctx, c.keys.errors(), jobID, resultJSON)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to update job state", "job", jobID, "state", state, "error", err)
	}

	c.publish(ctx, jobID, state, decorate)
}

func (c *RedisConsumer) publish(ctx context.Context, jobID, state string, decorate func(*jobEvent)) {
	event := &jobEvent{
		Event:     "job:" + state,
		JobID:     jobID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if decorate != nil {
		decorate(event)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, c.keys.events(), data).Err(); err != nil {
		c.logger.Warn("Failed to publish job event", "job", jobID, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]interface{}, error) {
	return queueStats(ctx, c.client, c.keys)
}

func queueStats(ctx context.Context, client *redis.Client, keys queueKeys) (map[string]interface{}, error) {
	pipe := client.Pipeline()
	waiting := pipe.LLen(ctx, keys.list())
	processing := pipe.SCard(ctx, keys.processing())
	completed := pipe.SCard(ctx, keys.completed())
	failed := pipe.SCard(ctx, keys.failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]interface{}{
		"queue":      string(keys),
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
