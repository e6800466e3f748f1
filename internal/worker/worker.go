package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/whatsapp"
	"github.com/convo-crm/backend/pkg/queue"
	"github.com/convo-crm/backend/pkg/storage"
)

// JobQueue is the queue side the processor needs. *queue.Queue implements it.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Provider is the WhatsApp API surface used by jobs. *whatsapp.Client implements it.
type Provider interface {
	SendText(ctx context.Context, phoneNumberID, to, body string) (string, error)
	MediaURL(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error)
	Download(ctx context.Context, mediaURL string) (io.ReadCloser, string, int64, error)
}

// MediaStore uploads mirrored media. *storage.S3 implements it.
type MediaStore interface {
	UploadMedia(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// MessageStore updates messages after provider round trips. *conversations.Repository implements it.
type MessageStore interface {
	SetExternalID(ctx context.Context, id uuid.UUID, externalID string) error
	SetMediaURL(ctx context.Context, id uuid.UUID, url string) (*models.Message, error)
}

// Notifier re-emits updated messages. *realtime.Relay implements it.
type Notifier interface {
	EmitMessageUpdate(tenantID, conversationID uuid.UUID, msg *models.Message)
}

// Processor executes WhatsApp jobs: outbound sends and media mirroring.
type Processor struct {
	queue    JobQueue
	provider Provider
	media    MediaStore
	messages MessageStore
	notifier Notifier
	backoff  time.Duration
	logger   *zap.Logger
}

// NewProcessor creates a job processor. media may be nil, in which case mirror jobs fail and
// end up in the DLQ.
func NewProcessor(q JobQueue, provider Provider, media MediaStore, messages MessageStore, notifier Notifier, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:    q,
		provider: provider,
		media:    media,
		messages: messages,
		notifier: notifier,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeWhatsAppSend:
		var payload queue.WhatsAppSendPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.send(ctx, payload)
	case queue.JobTypeMediaMirror:
		var payload queue.MediaMirrorPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		return p.mirror(ctx, payload)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) send(ctx context.Context, payload queue.WhatsAppSendPayload) error {
	if payload.PhoneNumberID == "" {
		return fmt.Errorf("tenant %s has no whatsapp number", payload.TenantID)
	}
	externalID, err := p.provider.SendText(ctx, payload.PhoneNumberID, payload.To, payload.Body)
	if err != nil {
		return err
	}
	if err := p.messages.SetExternalID(ctx, payload.MessageID, externalID); err != nil {
		// the text is already out; retrying would send it twice
		p.logger.Error("record provider message id failed", zap.String("message_id", payload.MessageID.String()), zap.Error(err))
	}
	p.logger.Info("whatsapp message sent", zap.String("message_id", payload.MessageID.String()), zap.String("wamid", externalID))
	return nil
}

func (p *Processor) mirror(ctx context.Context, payload queue.MediaMirrorPayload) error {
	if p.media == nil {
		return fmt.Errorf("media storage not configured")
	}
	info, err := p.provider.MediaURL(ctx, payload.MediaID)
	if err != nil {
		return err
	}
	if info.FileSize > storage.MaxMediaSize {
		p.logger.Warn("media too large to mirror", zap.String("message_id", payload.MessageID.String()), zap.Int64("size", info.FileSize))
		return nil
	}
	body, contentType, length, err := p.provider.Download(ctx, info.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	if contentType == "" {
		contentType = info.MimeType
	}
	if payload.MimeType == "" {
		payload.MimeType = contentType
	}
	key := storage.MediaKey(payload.TenantID.String(), payload.MessageID.String(), payload.MimeType)
	url, err := p.media.UploadMedia(ctx, key, contentType, body, length)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	msg, err := p.messages.SetMediaURL(ctx, payload.MessageID, url)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	p.notifier.EmitMessageUpdate(payload.TenantID, payload.ConversationID, msg)
	p.logger.Info("media mirrored", zap.String("message_id", payload.MessageID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("whatsapp worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
