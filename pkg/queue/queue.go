package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueWhatsApp is the Redis list key for WhatsApp jobs.
	QueueWhatsApp = "worker:whatsapp"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second

	dequeueWait = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeWhatsAppSend JobType = "whatsapp_send"
	JobTypeMediaMirror  JobType = "media_mirror"
)

// WhatsAppSendPayload is the payload for outbound WhatsApp text jobs.
type WhatsAppSendPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	PhoneNumberID  string    `json:"phone_number_id"`
	To             string    `json:"to"`
	Body           string    `json:"body"`
}

// MediaMirrorPayload is the payload for copying inbound WhatsApp media to S3.
type MediaMirrorPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MediaID        string    `json:"media_id"`
	MimeType       string    `json:"mime_type"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// listClient is the subset of go-redis the queue uses.
type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client listClient
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client listClient, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) enqueue(ctx context.Context, typ JobType, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueWhatsApp, raw).Err(); err != nil {
		return nil, fmt.Errorf("rpush: %w", err)
	}
	return job, nil
}

// EnqueueWhatsAppSend enqueues an outbound text message.
func (q *Queue) EnqueueWhatsAppSend(ctx context.Context, payload WhatsAppSendPayload) error {
	job, err := q.enqueue(ctx, JobTypeWhatsAppSend, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued whatsapp send job", zap.String("job_id", job.ID), zap.String("message_id", payload.MessageID.String()))
	return nil
}

// EnqueueMediaMirror enqueues a media copy for an inbound message.
func (q *Queue) EnqueueMediaMirror(ctx context.Context, payload MediaMirrorPayload) error {
	job, err := q.enqueue(ctx, JobTypeMediaMirror, payload)
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued media mirror job", zap.String("job_id", job.ID), zap.String("message_id", payload.MessageID.String()))
	return nil
}

// Dequeue waits briefly for a job. Returns nil job when none arrived or the entry was unreadable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, dequeueWait, QueueWhatsApp).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueWhatsApp, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
