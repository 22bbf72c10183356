package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
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

// SchedulerService owns the durable delay queue. Matched events become
// ScheduledJob rows immediately; a poll loop claims jobs as they fall due,
// resolves recipients at that moment, materializes per-recipient
// ScheduledDispatch rows with their audit logs, and drives them through the
// dispatcher on a bounded worker pool. Every step is idempotent so a crash
// at any point replays without double delivery.
type SchedulerService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	recipients *RecipientService
	templates  *TemplateService
	dispatcher *DispatcherService

	PollInterval time.Duration
	Workers      int
	ClaimBatch   int

	// StaleClaimAfter is the claim lease: a job stuck in processing longer
	// than this is treated as abandoned by a dead worker and claimed again.
	StaleClaimAfter time.Duration

	// now is swapped out in tests for deterministic scheduling.
	now func() time.Time
}

func NewSchedulerService(db *gorm.DB, logger *logrus.Logger, recipients *RecipientService, templates *TemplateService, dispatcher *DispatcherService) *SchedulerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SchedulerService{
		db:           db,
		logger:       logger,
		tracer:       otel.Tracer("fosterline.scheduler"),
		recipients:   recipients,
		templates:    templates,
		dispatcher:   dispatcher,
		PollInterval:    30 * time.Second,
		Workers:         10,
		ClaimBatch:      100,
		StaleClaimAfter: 5 * time.Minute,
		now:             time.Now,
	}
}

// Enqueue records one ScheduledJob for a matched (definition, event) pair.
// The delay is computed from the definition at enqueue time. Redelivery of
// the same event collapses onto the existing job via the unique event key;
// the duplicate is dropped silently and (nil, nil) is returned.
func (s *SchedulerService) Enqueue(ctx context.Context, def *models.AutomationDefinition, evt *DomainEvent) (*models.ScheduledJob, error) {
	job, err := s.enqueueIn(s.db.WithContext(ctx), def, evt)
	if err == gorm.ErrDuplicatedKey {
		s.logger.Debugf("scheduler: event %s already scheduled for automation %d, dropping redelivery", evt.ID, def.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.noteEnqueued(job)
	return job, nil
}

// enqueueIn creates the job row on the given handle so a caller can bundle
// the insert with its own writes in one transaction. A redelivered event
// hits the unique event key and comes back as gorm.ErrDuplicatedKey.
func (s *SchedulerService) enqueueIn(db *gorm.DB, def *models.AutomationDefinition, evt *DomainEvent) (*models.ScheduledJob, error) {
	payload, err := json.Marshal(evt.EntityFields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}

	job := models.ScheduledJob{
		AutomationID: def.ID,
		EventID:      evt.ID,
		EventType:    evt.Type,
		EntityID:     evt.EntityID,
		EventPayload: string(payload),
		ScheduledFor: s.now().Add(delayDuration(def)),
		Status:       models.StatusPending,
		EventKey:     eventKey(def.ID, evt.ID),
	}
	if err := db.Create(&job).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, gorm.ErrDuplicatedKey
		}
		return nil, fmt.Errorf("failed to schedule job: %w", err)
	}
	return &job, nil
}

func (s *SchedulerService) noteEnqueued(job *models.ScheduledJob) {
	metrics.IncDispatch("scheduled")
	s.logger.WithFields(logrus.Fields{
		"automation_id": job.AutomationID,
		"event_id":      job.EventID,
		"scheduled_for": job.ScheduledFor,
	}).Info("scheduler: job enqueued")
}

// Start runs the poll loop until ctx is cancelled. A tick runs immediately
// on startup so pending work left over from a previous process is picked up
// without waiting a full interval.
func (s *SchedulerService) Start(ctx context.Context) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger.Infof("scheduler: poll loop started (interval %s, %d workers)", interval, s.workers())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: poll loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass: claim due jobs and materialize their
// dispatch rows, then drive all incomplete due dispatches. Safe to call
// concurrently with itself; the optimistic claims serialize the work.
func (s *SchedulerService) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	jobs, err := s.claimDueJobs(ctx)
	if err != nil {
		s.logger.Errorf("scheduler: failed to claim due jobs: %v", err)
	}
	for i := range jobs {
		if err := s.processJob(ctx, &jobs[i]); err != nil {
			s.logger.Errorf("scheduler: job %d failed: %v", jobs[i].ID, err)
		}
	}
	span.SetAttributes(attribute.Int("scheduler.jobs_claimed", len(jobs)))

	if err := s.dispatchDue(ctx); err != nil {
		s.logger.Errorf("scheduler: dispatch pass failed: %v", err)
	}
}

// claimDueJobs moves due pending jobs to processing one at a time with an
// optimistic update, so two scheduler instances never process the same job.
// A processing row whose lease timestamp is older than StaleClaimAfter was
// left behind by a worker that died before completing it; such rows are
// claimed again, and the dedupe keys make the replay converge on the same
// dispatch rows instead of duplicating them.
func (s *SchedulerService) claimDueJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	now := s.now()
	stale := now.Add(-s.staleClaimAfter())

	var due []models.ScheduledJob
	if err := s.db.WithContext(ctx).
		Where("scheduled_for <= ? AND (status = ? OR (status = ? AND updated_at <= ?))",
			now, models.StatusPending, "processing", stale).
		Order("scheduled_for asc").
		Limit(s.claimBatch()).
		Find(&due).Error; err != nil {
		return nil, err
	}

	claimed := due[:0]
	for i := range due {
		claim := s.db.WithContext(ctx).Model(&models.ScheduledJob{}).
			Where("id = ? AND status = ?", due[i].ID, due[i].Status)
		if due[i].Status != models.StatusPending {
			// Renewing the lease moves updated_at forward, so a concurrent
			// claimer of the same stale row loses here.
			claim = claim.Where("updated_at <= ?", stale)
		}
		res := claim.Updates(map[string]interface{}{"status": "processing", "updated_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected > 0 {
			claimed = append(claimed, due[i])
		}
	}
	return claimed, nil
}

// processJob resolves recipients for a claimed job and writes one
// ScheduledDispatch plus one pending AutomationLog per recipient. The
// per-recipient dedupe key makes re-processing after a crash converge on
// the same rows instead of duplicating them.
func (s *SchedulerService) processJob(ctx context.Context, job *models.ScheduledJob) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", int64(job.ID)),
		attribute.Int64("job.automation_id", int64(job.AutomationID)),
	)

	var def models.AutomationDefinition
	if err := s.db.WithContext(ctx).First(&def, job.AutomationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Definition deleted while the job waited. Nothing to send.
			s.logger.Warnf("scheduler: automation %d gone, dropping job %d", job.AutomationID, job.ID)
			return s.completeJob(ctx, job.ID)
		}
		return fmt.Errorf("failed to load automation %d: %w", job.AutomationID, err)
	}

	evt := &DomainEvent{ID: job.EventID, Type: job.EventType, EntityID: job.EntityID}
	if job.EventPayload != "" {
		if err := json.Unmarshal([]byte(job.EventPayload), &evt.EntityFields); err != nil {
			s.logger.Warnf("scheduler: job %d has corrupt payload: %v", job.ID, err)
		}
	}

	recipients, err := s.recipients.Resolve(ctx, &def, evt)
	if err != nil {
		return fmt.Errorf("failed to resolve recipients for job %d: %w", job.ID, err)
	}

	for _, r := range recipients {
		if err := s.materializeDispatch(ctx, job, &def, r); err != nil {
			return err
		}
	}
	return s.completeJob(ctx, job.ID)
}

// materializeDispatch creates the dispatch row and its audit log for one
// recipient. A dedupe key collision means the row already exists from an
// earlier pass and the recipient is skipped.
func (s *SchedulerService) materializeDispatch(ctx context.Context, job *models.ScheduledJob, def *models.AutomationDefinition, r Recipient) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to encode recipient data: %w", err)
	}
	key := DedupeKey(def.ID, r.Email, job.EventID)

	var existing models.ScheduledDispatch
	if err := s.db.WithContext(ctx).Where("dedupe_key = ?", key).First(&existing).Error; err == nil {
		return nil
	} else if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to check dedupe key: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := models.AutomationLog{
			AutomationID:   def.ID,
			RecipientName:  r.Name,
			RecipientEmail: r.Email,
			EmailStatus:    models.StatusPending,
			DedupeKey:      key,
			ScheduledFor:   job.ScheduledFor,
		}
		if err := tx.Create(&log).Error; err != nil {
			return fmt.Errorf("failed to create automation log: %w", err)
		}

		dispatch := models.ScheduledDispatch{
			AutomationID:   def.ID,
			EventID:        job.EventID,
			EventPayload:   string(data),
			RecipientEmail: r.Email,
			RecipientName:  r.Name,
			ScheduledFor:   job.ScheduledFor,
			DedupeKey:      key,
			LogID:          log.ID,
		}
		if err := tx.Create(&dispatch).Error; err != nil {
			// Lost a race with a concurrent pass; the winner owns this key.
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return gorm.ErrDuplicatedKey
			}
			return fmt.Errorf("failed to create dispatch: %w", err)
		}
		return nil
	})
	if err == gorm.ErrDuplicatedKey {
		return nil
	}
	return err
}

func (s *SchedulerService) completeJob(ctx context.Context, jobID uint) error {
	return s.db.WithContext(ctx).Model(&models.ScheduledJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{"status": "completed", "updated_at": s.now()}).Error
}

// dispatchDue pushes every incomplete due dispatch through the worker pool.
// Rows whose log already left pending (a previous run got through before
// crashing, or a provider callback progressed it) are just marked complete.
func (s *SchedulerService) dispatchDue(ctx context.Context) error {
	var rows []models.ScheduledDispatch
	if err := s.db.WithContext(ctx).
		Where("completed = ? AND scheduled_for <= ?", false, s.now()).
		Order("scheduled_for asc").
		Limit(s.claimBatch()).
		Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	work := make(chan *models.ScheduledDispatch)
	var wg sync.WaitGroup
	for i := 0; i < s.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				if err := s.deliver(ctx, row); err != nil {
					s.logger.Errorf("scheduler: dispatch %d failed: %v", row.ID, err)
				}
			}
		}()
	}
	for i := range rows {
		work <- &rows[i]
	}
	close(work)
	wg.Wait()
	return nil
}

// deliver renders and sends one dispatch row, then marks it completed. The
// dispatcher's own pending guard makes a replayed row a no-op.
func (s *SchedulerService) deliver(ctx context.Context, row *models.ScheduledDispatch) error {
	var log models.AutomationLog
	if err := s.db.WithContext(ctx).First(&log, row.LogID).Error; err != nil {
		return fmt.Errorf("failed to load log %d: %w", row.LogID, err)
	}
	if log.EmailStatus != models.StatusPending {
		return s.completeDispatch(ctx, row.ID)
	}

	var def models.AutomationDefinition
	if err := s.db.WithContext(ctx).First(&def, row.AutomationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			s.failLog(ctx, row.LogID, "automation definition deleted")
			return s.completeDispatch(ctx, row.ID)
		}
		return err
	}

	tmpl, err := s.templates.GetTemplate(ctx, def.EmailTemplateID)
	if err != nil {
		s.failLog(ctx, row.LogID, fmt.Sprintf("template %d unavailable: %v", def.EmailTemplateID, err))
		return s.completeDispatch(ctx, row.ID)
	}

	data := map[string]interface{}{}
	if row.EventPayload != "" {
		if err := json.Unmarshal([]byte(row.EventPayload), &data); err != nil {
			s.logger.Warnf("scheduler: dispatch %d has corrupt recipient data: %v", row.ID, err)
		}
	}
	if _, ok := data["name"]; !ok {
		data["name"] = row.RecipientName
	}
	if _, ok := data["email"]; !ok {
		data["email"] = row.RecipientEmail
	}

	rendered := RenderTemplate(tmpl.Subject, tmpl.Body, data)
	if len(rendered.Unresolved) > 0 {
		s.logger.Warnf("scheduler: dispatch %d left placeholders unresolved: %v", row.ID, rendered.Unresolved)
	}
	if err := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ?", row.LogID).
		UpdateColumn("email_subject", rendered.Subject).Error; err != nil {
		return fmt.Errorf("failed to record subject on log %d: %w", row.LogID, err)
	}

	msg := &transport.Message{
		ToEmail:  row.RecipientEmail,
		ToName:   row.RecipientName,
		Subject:  rendered.Subject,
		BodyHTML: rendered.Body,
	}
	if err := s.dispatcher.Dispatch(ctx, row.LogID, msg); err != nil {
		// The failure is recorded on the log; the dispatch row is done
		// either way since retries happened inside Dispatch.
		s.logger.Warnf("scheduler: dispatch %d ended in failure: %v", row.ID, err)
	}
	return s.completeDispatch(ctx, row.ID)
}

func (s *SchedulerService) completeDispatch(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.ScheduledDispatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"completed": true, "updated_at": s.now()}).Error
}

func (s *SchedulerService) failLog(ctx context.Context, logID uint, reason string) {
	err := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("id = ? AND email_status = ?", logID, models.StatusPending).
		Updates(map[string]interface{}{
			"email_status":  models.StatusFailed,
			"error_message": reason,
			"updated_at":    s.now(),
		}).Error
	if err != nil {
		s.logger.Errorf("scheduler: failed to mark log %d failed: %v", logID, err)
		return
	}
	metrics.IncDispatch("failed")
}

func (s *SchedulerService) workers() int {
	if s.Workers <= 0 {
		return 10
	}
	return s.Workers
}

func (s *SchedulerService) claimBatch() int {
	if s.ClaimBatch <= 0 {
		return 100
	}
	return s.ClaimBatch
}

func (s *SchedulerService) staleClaimAfter() time.Duration {
	if s.StaleClaimAfter <= 0 {
		return 5 * time.Minute
	}
	return s.StaleClaimAfter
}

// delayDuration converts a definition's delay settings to a duration. Unknown
// delay types behave as immediate.
func delayDuration(def *models.AutomationDefinition) time.Duration {
	v := time.Duration(def.DelayValue)
	switch def.DelayType {
	case models.DelayMinutes:
		return v * time.Minute
	case models.DelayHours:
		return v * time.Hour
	case models.DelayDays:
		return v * 24 * time.Hour
	case models.DelayWeeks:
		return v * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// eventKey dedupes redelivered events per definition.
func eventKey(automationID uint, eventID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", automationID, eventID)))
	return hex.EncodeToString(sum[:])
}

// DedupeKey identifies one (definition, recipient, event) delivery. Two
// rows with the same key are the same logical send.
func DedupeKey(automationID uint, recipientEmail, eventID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", automationID, strings.ToLower(recipientEmail), eventID)))
	return hex.EncodeToString(sum[:])
}
