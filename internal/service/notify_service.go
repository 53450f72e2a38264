package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langcenter/enrollment-api/internal/models"
	"github.com/langcenter/enrollment-api/pkg/jobs"
)

// DecisionNote is the payload queued when staff decide a request. Delivery
// is best effort; the decision itself is already durable.
type DecisionNote struct {
	Resource     string               `json:"resource"`
	RequestID    int64                `json:"request_id"`
	StudentName  string               `json:"student_name"`
	StudentEmail string               `json:"student_email"`
	Offering     string               `json:"offering"`
	Status       models.RequestStatus `json:"status"`
	Reason       *string              `json:"reason,omitempty"`
}

// NotifyService fans decision notifications out through a background
// worker pool. The current delivery channel is the log; the handler is the
// single place to swap in a mail provider.
type NotifyService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotifyService constructs the service and its queue. Call Start before
// enqueueing and Stop on shutdown.
func NewNotifyService(workers, buffer int, logger *zap.Logger) *NotifyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotifyService{logger: logger}
	s.queue = jobs.NewQueue("decision-notify", s.deliver, jobs.QueueConfig{
		Workers:    workers,
		BufferSize: buffer,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers.
func (s *NotifyService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotifyService) Stop() {
	s.queue.Stop()
}

// EnqueueDecision queues one decision notification. Failures are logged,
// never surfaced to the caller.
func (s *NotifyService) EnqueueDecision(note DecisionNote) {
	err := s.queue.Enqueue(jobs.Job{
		ID:      fmt.Sprintf("%s-%d", note.Resource, note.RequestID),
		Type:    "decision",
		Payload: note,
	})
	if err != nil {
		s.logger.Warn("failed to queue decision notification",
			zap.String("resource", note.Resource), zap.Int64("request_id", note.RequestID), zap.Error(err))
	}
}

func (s *NotifyService) deliver(ctx context.Context, job jobs.Job) error {
	note, ok := job.Payload.(DecisionNote)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	fields := []zap.Field{
		zap.String("resource", note.Resource),
		zap.Int64("request_id", note.RequestID),
		zap.String("email", note.StudentEmail),
		zap.String("offering", note.Offering),
		zap.String("status", string(note.Status)),
	}
	if note.Reason != nil {
		fields = append(fields, zap.String("reason", *note.Reason))
	}
	s.logger.Info("decision notification delivered", fields...)
	return nil
}
