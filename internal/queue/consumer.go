/**
 * Asynq Queue Consumer for the BOL extraction worker
 *
 * Alternative backend to RedisConsumer for deployments that already run
 * asynq. The result envelope is written to the task's result so that
 * AsynqProducer.Status can return it.
 */

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/hibiken/asynq"
)

const resultRetention = 24 * time.Hour

// Consumer handles job consumption through asynq
type Consumer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler *JobHandler
	config  *ConsumerConfig
	logger  *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Handler     *JobHandler
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
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

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// 5s, 10s, 20s ... capped at 60s
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("Task failed", "type", task.Type(), "error", err)
			}),
			Logger: logging.Base(),
		},
	)

	consumer := &Consumer{
		server:  server,
		mux:     asynq.NewServeMux(),
		handler: cfg.Handler,
		config:  cfg,
		logger:  logger,
	}
	consumer.mux.HandleFunc(TaskExtractBOL, consumer.handleExtractBOL)

	return consumer, nil
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n < 0 || n > 3 {
		return 60 * time.Second
	}
	return time.Duration(5*(1<<uint(n))) * time.Second
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	return nil
}

// handleExtractBOL runs one task. Failures that cannot improve on retry are
// wrapped in asynq.SkipRetry.
func (c *Consumer) handleExtractBOL(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}

	outcome := c.handler.Handle(ctx, &payload)

	if resultJSON, err := json.Marshal(outcome.Result); err == nil {
		if w := task.ResultWriter(); w != nil {
			if _, err := w.Write(resultJSON); err != nil {
				c.logger.Warn("Failed to write task result", "job", payload.JobID, "error", err)
			}
		}
	}

	if !outcome.Failed() {
		return nil
	}

	err := fmt.Errorf("job %s failed: %s", payload.JobID, outcome.Result.Error)
	if !outcome.Retryable() {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// AsynqProducer submits jobs as asynq tasks.
type AsynqProducer struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	queueName  string
	maxRetries int
}

// NewAsynqProducer connects to redisURL.
func NewAsynqProducer(redisURL, queueName string, maxRetries int) (*AsynqProducer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &AsynqProducer{
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		queueName:  queueName,
		maxRetries: maxRetries,
	}, nil
}

// Enqueue submits payload with its job ID as the task ID.
func (p *AsynqProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	task, err := newExtractTask(payload)
	if err != nil {
		return "", err
	}

	info, err := p.client.EnqueueContext(ctx, task,
		asynq.Queue(p.queueName),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(p.maxRetries),
		asynq.Retention(resultRetention),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// newExtractTask builds the task for payload, assigning a job ID if needed.
func newExtractTask(payload *JobPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		payload.JobID = newJobID()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TaskExtractBOL, data), nil
}

// Status maps the asynq task state onto job states.
func (p *AsynqProducer) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	info, err := p.inspector.GetTaskInfo(p.queueName, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to read task: %w", err)
	}

	status := &JobStatus{JobID: jobID, State: taskState(info.State)}
	if status.State == StateCompleted || status.State == StateFailed {
		status.Result = info.Result
	}
	return status, nil
}

func taskState(state asynq.TaskState) string {
	switch state {
	case asynq.TaskStateActive:
		return StateProcessing
	case asynq.TaskStateRetry:
		return StateRetrying
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateFailed
	default:
		return StateQueued
	}
}

// Close closes the client and inspector
func (p *AsynqProducer) Close() error {
	return errors.Join(p.client.Close(), p.inspector.Close())
}
