package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fosterline/internal/metrics"
	"fosterline/internal/models"
	"fosterline/internal/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DispatcherService pushes one rendered message per recipient through the
// transport and records the outcome on the recipient's AutomationLog row.
// Transient transport errors are retried with exponential backoff up to
// MaxAttempts; permanent errors fail immediately.
type DispatcherService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	tracer    trace.Tracer
	transport transport.Transport

	MaxAttempts int
	BackoffBase time.Duration
	SendTimeout time.Duration

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func NewDispatcherService(db *gorm.DB, logger *logrus.Logger, tp transport.Transport) *DispatcherService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DispatcherService{
		db:          db,
		logger:      logger,
		tracer:      otel.Tracer("fosterline.dispatcher"),
		transport:   tp,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		SendTimeout: 30 * time.Second,
		sleep:       time.Sleep,
	}
}

// Dispatch sends msg for the log row with the given id. The row must be in
// pending state; each attempt is claimed with an optimistic update so a
// concurrent dispatcher (or a replay after crash recovery) can never send
// twice for the same row. Returns the terminal send error, or nil when the
// message was handed to the transport or the row was already progressed.
func (s *DispatcherService) Dispatch(ctx context.Context, logID uint, msg *transport.Message) error {
	ctx, span := s.tracer.Start(ctx, "dispatcher.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("dispatch.log_id", int64(logID)),
		attribute.String("dispatch.to", msg.ToEmail),
	)

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts(); attempt++ {
		claimed, err := s.claimAttempt(ctx, logID)
		if err != nil {
			return err
		}
		if !claimed {
			// Another worker already progressed this row; nothing to do.
			s.logger.Debugf("dispatcher: log %d no longer pending, skipping", logID)
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout())
		result, err := s.transport.Send(sendCtx, msg)
		cancel()

		if err == nil {
			return s.markSent(ctx, logID, result)
		}
		lastErr = err

		var perm *transport.PermanentError
		if errors.As(err, &perm) {
			s.logger.Warnf("dispatcher: permanent failure for log %d: %v", logID, err)
			return s.markFailed(ctx, logID, err)
		}

		s.logger.Warnf("dispatcher: attempt %d/%d for log %d failed: %v", attempt, s.maxAttempts(), logID, err)
		if attempt < s.maxAttempts() {
			s.sleep(s.backoff(attempt))
		}
	}

	return s.markFailed(ctx, logID, fmt.Errorf("exhausted %d attempts: %w", s.maxAttempts(), lastErr))
}

// claimAttempt bumps the attempt counter iff the row is still pending.
func (s *DispatcherService) claimAttempt(ctx context.Context, logID uint) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND email_status = ?", logID, models.StatusPending).
		UpdateColumn("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim dispatch attempt: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *DispatcherService) markSent(ctx context.Context, logID uint, result *transport.Result) error {
	now := time.Now()
	updates := map[string]interface{}{
		"email_status":  models.StatusSent,
		"sent_at":       now,
		"error_message": "",
		"updated_at":    now,
	}
	if result != nil && result.ProviderMessageID != "" {
		updates["provider_msg_id"] = result.ProviderMessageID
	}
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND email_status = ?", logID, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to mark log %d sent: %w", logID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debugf("dispatcher: log %d already progressed, send result dropped", logID)
		return nil
	}
	metrics.IncDispatch("sent")
	s.logger.Infof("dispatcher: log %d sent", logID)
	return nil
}

func (s *DispatcherService) markFailed(ctx context.Context, logID uint, sendErr error) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND email_status = ?", logID, models.StatusPending).
		Updates(map[string]interface{}{
			"email_status":  models.StatusFailed,
			"error_message": sendErr.Error(),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark log %d failed: %w", logID, res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.IncDispatch("failed")
	}
	return sendErr
}

// ApplyProviderStatus applies an out-of-band status update pushed by the
// provider (delivered, opened, clicked, bounced), located by provider
// message id. Updates that would move a row backwards are dropped so a late
// callback cannot corrupt a terminal state.
func (s *DispatcherService) ApplyProviderStatus(ctx context.Context, providerMsgID, status string) error {
	if providerMsgID == "" {
		return fmt.Errorf("provider message id required")
	}

	var log models.AutomationLog
	if err := s.db.WithContext(ctx).Where("provider_msg_id = ?", providerMsgID).First(&log).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("no dispatch log for provider message %s", providerMsgID)
		}
		return fmt.Errorf("failed to load dispatch log: %w", err)
	}

	if !models.CanTransition(log.EmailStatus, status) {
		s.logger.Debugf("dispatcher: dropping provider status %s for log %d (current %s)", status, log.ID, log.EmailStatus)
		return nil
	}

	updates := map[string]interface{}{
		"email_status": status,
		"updated_at":   time.Now(),
	}
	if status == models.StatusBounced {
		updates["error_message"] = "bounced by provider"
		metrics.IncDispatch("bounced")
	}
	// The prior-status predicate serializes against a concurrent retry or a
	// second callback for the same row.
	res := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND email_status = ?", log.ID, log.EmailStatus).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to apply provider status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debugf("dispatcher: provider status %s for log %d lost the race, dropped", status, log.ID)
	}
	return nil
}

func (s *DispatcherService) backoff(attempt int) time.Duration {
	d := s.BackoffBase
	if d <= 0 {
		d = 2 * time.Second
	}
	return d << (attempt - 1)
}

func (s *DispatcherService) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 3
	}
	return s.MaxAttempts
}

func (s *DispatcherService) sendTimeout() time.Duration {
	if s.SendTimeout <= 0 {
		return 30 * time.Second
	}
	return s.SendTimeout
}
