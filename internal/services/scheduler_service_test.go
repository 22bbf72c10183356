package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fosterline/internal/models"
)

func newTestScheduler(t *testing.T, tp *fakeTransport) (*SchedulerService, *DispatcherService) {
	t.Helper()
	db := newTestDB(t)
	dispatcher := newTestDispatcher(db, tp)
	scheduler := NewSchedulerService(db, quietLogger(),
		NewRecipientService(db, quietLogger()),
		NewTemplateService(db),
		dispatcher)
	scheduler.Workers = 2
	return scheduler, dispatcher
}

func seedDefinition(t *testing.T, s *SchedulerService, def models.AutomationDefinition) *models.AutomationDefinition {
	t.Helper()
	if err := s.db.Create(&def).Error; err != nil {
		t.Fatalf("failed to seed definition: %v", err)
	}
	return &def
}

func TestEnqueue_ImmediateDelay(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "welcome", TriggerType: models.TriggerContactCreated,
		RecipientType: models.RecipientContact, DelayType: models.DelayImmediate,
	})

	before := time.Now()
	job, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerContactCreated})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job == nil {
		t.Fatal("no job created")
	}
	if job.ScheduledFor.Before(before.Add(-time.Second)) || job.ScheduledFor.After(time.Now().Add(time.Second)) {
		t.Errorf("immediate job scheduled for %v", job.ScheduledFor)
	}
}

func TestEnqueue_DelayArithmetic(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	tests := []struct {
		delayType string
		value     int
		want      time.Time
	}{
		{models.DelayMinutes, 45, base.Add(45 * time.Minute)},
		{models.DelayHours, 6, base.Add(6 * time.Hour)},
		{models.DelayDays, 2, base.Add(48 * time.Hour)},
		{models.DelayWeeks, 1, base.Add(7 * 24 * time.Hour)},
		{models.DelayImmediate, 99, base},
		{"fortnights", 3, base},
	}
	for i, tt := range tests {
		def := seedDefinition(t, s, models.AutomationDefinition{
			Name:        fmt.Sprintf("delay-%d", i),
			TriggerType: models.TriggerCaseCreated, RecipientType: models.RecipientCustom,
			DelayType: tt.delayType, DelayValue: tt.value,
		})
		job, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: fmt.Sprintf("evt-%d", i), Type: models.TriggerCaseCreated})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if !job.ScheduledFor.Equal(tt.want) {
			t.Errorf("%s %d: scheduled for %v, want %v", tt.delayType, tt.value, job.ScheduledFor, tt.want)
		}
	}
}

func TestEnqueue_EventRedeliveryCollapses(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "welcome", TriggerType: models.TriggerContactCreated,
		RecipientType: models.RecipientContact,
	})
	evt := &DomainEvent{ID: "evt-dup", Type: models.TriggerContactCreated}

	first, err := s.Enqueue(context.Background(), def, evt)
	if err != nil || first == nil {
		t.Fatalf("first Enqueue: job=%v err=%v", first, err)
	}
	second, err := s.Enqueue(context.Background(), def, evt)
	if err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if second != nil {
		t.Error("redelivery created a second job")
	}

	var count int64
	s.db.Model(&models.ScheduledJob{}).Count(&count)
	if count != 1 {
		t.Errorf("job count = %d, want 1", count)
	}
}

func TestTick_DeliversDueJob(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "welcome", "Hello {{first_name}}", "<p>Welcome {{first_name}}</p>")
	contact := seedContact(t, s.db, models.Contact{FirstName: "Asha", Email: "asha@example.org"})
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "welcome", IsActive: true, TriggerType: models.TriggerContactCreated,
		EmailTemplateID: 1, RecipientType: models.RecipientContact,
	})

	evt := &DomainEvent{ID: "evt-1", Type: models.TriggerContactCreated, EntityID: fmt.Sprintf("%d", contact.ID)}
	if _, err := s.Enqueue(context.Background(), def, evt); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	s.Tick(context.Background())

	if tp.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", tp.sentCount())
	}
	if tp.sent[0].Subject != "Hello Asha" {
		t.Errorf("subject = %q", tp.sent[0].Subject)
	}

	var log models.AutomationLog
	if err := s.db.Where("automation_id = ?", def.ID).First(&log).Error; err != nil {
		t.Fatalf("no audit log: %v", err)
	}
	if log.EmailStatus != models.StatusSent {
		t.Errorf("log status = %s, want sent", log.EmailStatus)
	}
	if log.EmailSubject != "Hello Asha" {
		t.Errorf("log subject = %q", log.EmailSubject)
	}

	var job models.ScheduledJob
	s.db.First(&job)
	if job.Status != "completed" {
		t.Errorf("job status = %s, want completed", job.Status)
	}
}

func TestTick_DoesNotDeliverEarly(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "later", "Later", "<p>Later</p>")
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "later", IsActive: true, TriggerType: models.TriggerReminderDue,
		EmailTemplateID: 1, RecipientType: models.RecipientCustom,
		RecipientConfig: `{"custom_emails":["x@example.org"]}`,
		DelayType:       models.DelayDays, DelayValue: 2,
	})
	if _, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerReminderDue}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	s.Tick(context.Background())
	if tp.sentCount() != 0 {
		t.Fatalf("sent %d messages before the delay elapsed", tp.sentCount())
	}

	// Jump the clock past the due time and the job fires.
	s.now = func() time.Time { return time.Now().Add(49 * time.Hour) }
	s.Tick(context.Background())
	if tp.sentCount() != 1 {
		t.Fatalf("sent %d messages after the delay elapsed, want 1", tp.sentCount())
	}
}

func TestTick_RecipientsResolvedAtDueTime(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "reminder", "Reminder", "<p>Reminder</p>")
	contact := seedContact(t, s.db, models.Contact{FirstName: "Old", Email: "old@example.org"})
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "reminder", IsActive: true, TriggerType: models.TriggerContactUpdated,
		EmailTemplateID: 1, RecipientType: models.RecipientContact,
		DelayType: models.DelayHours, DelayValue: 1,
	})
	evt := &DomainEvent{ID: "evt-1", Type: models.TriggerContactUpdated, EntityID: fmt.Sprintf("%d", contact.ID)}
	if _, err := s.Enqueue(context.Background(), def, evt); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// The contact changes address while the job waits.
	s.db.Model(&models.Contact{}).Where("id = ?", contact.ID).Update("email", "new@example.org")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.Tick(context.Background())

	if tp.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", tp.sentCount())
	}
	if tp.sent[0].ToEmail != "new@example.org" {
		t.Errorf("sent to %q, want the fresh address", tp.sent[0].ToEmail)
	}
}

func TestTick_ReprocessingDoesNotDuplicate(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "once", "Once", "<p>Once</p>")
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "once", IsActive: true, TriggerType: models.TriggerCustom,
		EmailTemplateID: 1, RecipientType: models.RecipientCustom,
		RecipientConfig: `{"custom_emails":["x@example.org"]}`,
	})
	if _, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerCustom}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	s.Tick(context.Background())
	// Simulate a crashed pass being replayed: the job goes back to pending.
	s.db.Model(&models.ScheduledJob{}).Where("1=1").Update("status", models.StatusPending)
	s.Tick(context.Background())

	if tp.sentCount() != 1 {
		t.Errorf("sent %d messages across replays, want 1", tp.sentCount())
	}
	var logs int64
	s.db.Model(&models.AutomationLog{}).Count(&logs)
	if logs != 1 {
		t.Errorf("log count = %d, want 1", logs)
	}
}

func TestTick_RecoversIncompleteDispatch(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)

	// A dispatch row left behind by a crash: log still pending, row not
	// completed. The template and definition still exist.
	seedTemplate(t, s.db, "recover", "Recover {{name}}", "<p>Hi {{name}}</p>")
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "recover", IsActive: true, TriggerType: models.TriggerCustom,
		EmailTemplateID: 1, RecipientType: models.RecipientCustom,
	})
	log := models.AutomationLog{
		AutomationID: def.ID, RecipientEmail: "r@example.org", RecipientName: "R",
		EmailStatus: models.StatusPending, DedupeKey: "k1", ScheduledFor: time.Now().Add(-time.Minute),
	}
	if err := s.db.Create(&log).Error; err != nil {
		t.Fatalf("failed to seed log: %v", err)
	}
	row := models.ScheduledDispatch{
		AutomationID: def.ID, EventID: "evt-1", RecipientEmail: "r@example.org",
		RecipientName: "R", ScheduledFor: time.Now().Add(-time.Minute),
		DedupeKey: "k1", LogID: log.ID,
	}
	if err := s.db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed dispatch: %v", err)
	}

	s.Tick(context.Background())

	if tp.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", tp.sentCount())
	}
	var got models.ScheduledDispatch
	s.db.First(&got, row.ID)
	if !got.Completed {
		t.Error("dispatch row not marked completed")
	}
	var gotLog models.AutomationLog
	s.db.First(&gotLog, log.ID)
	if gotLog.EmailStatus != models.StatusSent {
		t.Errorf("log status = %s, want sent", gotLog.EmailStatus)
	}
}

func TestTick_ReclaimsStalledJob(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "stalled", "Still here {{name}}", "<p>Still here</p>")
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "stalled", IsActive: true, TriggerType: models.TriggerCustom,
		EmailTemplateID: 1, RecipientType: models.RecipientCustom,
		RecipientConfig: `{"custom_emails":["x@example.org"]}`,
	})
	job, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerCustom})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A worker claimed the job and died before materializing any dispatch
	// rows; its lease expired long ago.
	s.db.Model(&models.ScheduledJob{}).Where("id = ?", job.ID).
		UpdateColumns(map[string]interface{}{
			"status":     "processing",
			"updated_at": time.Now().Add(-time.Hour),
		})

	s.Tick(context.Background())

	if tp.sentCount() != 1 {
		t.Fatalf("sent %d messages after reclaim, want 1", tp.sentCount())
	}
	var got models.ScheduledJob
	s.db.First(&got, job.ID)
	if got.Status != "completed" {
		t.Errorf("job status = %s, want completed", got.Status)
	}
	var logs int64
	s.db.Model(&models.AutomationLog{}).Count(&logs)
	if logs != 1 {
		t.Errorf("log count = %d, want 1", logs)
	}
}

func TestTick_DoesNotStealLiveClaim(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	seedTemplate(t, s.db, "live", "Live", "<p>Live</p>")
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "live", IsActive: true, TriggerType: models.TriggerCustom,
		EmailTemplateID: 1, RecipientType: models.RecipientCustom,
		RecipientConfig: `{"custom_emails":["x@example.org"]}`,
	})
	job, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerCustom})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Another worker holds the job with a fresh lease.
	s.db.Model(&models.ScheduledJob{}).Where("id = ?", job.ID).
		UpdateColumns(map[string]interface{}{
			"status":     "processing",
			"updated_at": time.Now(),
		})

	s.Tick(context.Background())

	if tp.sentCount() != 0 {
		t.Fatalf("sent %d messages from a live claim", tp.sentCount())
	}
	var got models.ScheduledJob
	s.db.First(&got, job.ID)
	if got.Status != "processing" {
		t.Errorf("job status = %s, want processing", got.Status)
	}
}

func TestTick_MissingTemplateFailsLog(t *testing.T) {
	tp := &fakeTransport{}
	s, _ := newTestScheduler(t, tp)
	def := seedDefinition(t, s, models.AutomationDefinition{
		Name: "broken", IsActive: true, TriggerType: models.TriggerCustom,
		EmailTemplateID: 999, RecipientType: models.RecipientCustom,
		RecipientConfig: `{"custom_emails":["x@example.org"]}`,
	})
	if _, err := s.Enqueue(context.Background(), def, &DomainEvent{ID: "evt-1", Type: models.TriggerCustom}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	s.Tick(context.Background())

	if tp.sentCount() != 0 {
		t.Errorf("sent %d messages with a missing template", tp.sentCount())
	}
	var log models.AutomationLog
	if err := s.db.First(&log).Error; err != nil {
		t.Fatalf("no audit log: %v", err)
	}
	if log.EmailStatus != models.StatusFailed {
		t.Errorf("log status = %s, want failed", log.EmailStatus)
	}
	if log.ErrorMessage == "" {
		t.Error("error_message not recorded")
	}
}
