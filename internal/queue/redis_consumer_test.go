package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
	"github.com/google/uuid"
)

// Runs against a real Redis when REDIS_TEST_URL is set.
func redisTestURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	return url
}

func waitForState(t *testing.T, p Producer, jobID, state string) *JobStatus {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		status, err := p.Status(context.Background(), jobID)
		if err == nil && status.State == state {
			return status
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, state)
	return nil
}

func TestRedisQueueRoundTrip(t *testing.T) {
	url := redisTestURL(t)
	queueName := "bolprocess:test:" + uuid.New().String()

	producer, err := NewRedisProducer(url, queueName, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer producer.Close()

	if _, err := producer.Status(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Status(unknown) error = %v", err)
	}

	handler, _ := NewJobHandler(&HandlerConfig{Processor: &fakeProcessor{result: successResult()}})
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: queueName, Concurrency: 1, Handler: handler})
	if err != nil {
		t.Fatal(err)
	}
	consumer.Start()
	defer consumer.Stop()

	jobID, err := producer.Enqueue(context.Background(), &JobPayload{Filename: "bol.png", FileBuffer: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}

	status := waitForState(t, producer, jobID, StateCompleted)
	var result processor.StructuredResult
	if err := json.Unmarshal(status.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.QualityScore != 83 {
		t.Errorf("result = %+v", result)
	}
}

func TestRedisQueueNonRetryableFailure(t *testing.T) {
	url := redisTestURL(t)
	queueName := "bolprocess:test:" + uuid.New().String()

	producer, err := NewRedisProducer(url, queueName, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer producer.Close()

	failing := processor.Failure("", apperrors.NewInputInvalidError("", "empty document", nil))
	handler, _ := NewJobHandler(&HandlerConfig{Processor: &fakeProcessor{result: failing}})
	consumer, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: url, QueueName: queueName, Concurrency: 1, Handler: handler})
	if err != nil {
		t.Fatal(err)
	}
	consumer.Start()
	defer consumer.Stop()

	jobID, _ := producer.Enqueue(context.Background(), &JobPayload{Filename: "empty.png"})
	status := waitForState(t, producer, jobID, StateFailed)

	var result processor.StructuredResult
	if err := json.Unmarshal(status.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Success || result.ErrorType != string(apperrors.KindInputInvalid) {
		t.Errorf("result = %+v", result)
	}

	stats, err := producer.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats["failed"].(int64) != 1 {
		t.Errorf("stats = %v", stats)
	}
}
