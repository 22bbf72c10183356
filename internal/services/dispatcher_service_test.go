package services

import (
	"context"
	"testing"
	"time"

	"fosterline/internal/metrics"
	"fosterline/internal/models"
	"fosterline/internal/transport"
)

func seedPendingLog(t *testing.T, svc *DispatcherService) *models.AutomationLog {
	t.Helper()
	log := models.AutomationLog{
		AutomationID:   1,
		RecipientEmail: "carer@example.org",
		RecipientName:  "Carer",
		EmailStatus:    models.StatusPending,
		DedupeKey:      "key-" + t.Name(),
		ScheduledFor:   time.Now(),
	}
	if err := svc.db.Create(&log).Error; err != nil {
		t.Fatalf("failed to seed log: %v", err)
	}
	return &log
}

func testMessage() *transport.Message {
	return &transport.Message{
		ToEmail:  "carer@example.org",
		ToName:   "Carer",
		Subject:  "Welcome",
		BodyHTML: "<p>Hello</p>",
	}
}

func TestDispatch_SucceedsFirstAttempt(t *testing.T) {
	db := newTestDB(t)
	tp := &fakeTransport{}
	svc := newTestDispatcher(db, tp)
	log := seedPendingLog(t, svc)

	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusSent {
		t.Errorf("status = %s, want sent", got.EmailStatus)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.SentAt == nil {
		t.Error("sent_at not set")
	}
	if got.ProviderMsgID != "fake-msg-1" {
		t.Errorf("provider_msg_id = %q", got.ProviderMsgID)
	}
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	db := newTestDB(t)
	tp := &fakeTransport{failUntil: 2}
	svc := newTestDispatcher(db, tp)
	log := seedPendingLog(t, svc)

	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusSent {
		t.Errorf("status = %s, want sent", got.EmailStatus)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
}

func TestDispatch_ExhaustsAttempts(t *testing.T) {
	db := newTestDB(t)
	tp := &fakeTransport{failUntil: 100}
	svc := newTestDispatcher(db, tp)
	log := seedPendingLog(t, svc)

	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}

	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.EmailStatus)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if got.ErrorMessage == "" {
		t.Error("error_message not recorded")
	}
}

func TestDispatch_PermanentErrorFailsImmediately(t *testing.T) {
	db := newTestDB(t)
	tp := &fakeTransport{failUntil: 100, permanent: true}
	svc := newTestDispatcher(db, tp)
	log := seedPendingLog(t, svc)

	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err == nil {
		t.Fatal("expected error for permanent failure")
	}

	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.EmailStatus)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent)", got.Attempts)
	}
}

func TestDispatch_SkipsNonPendingRow(t *testing.T) {
	db := newTestDB(t)
	tp := &fakeTransport{}
	svc := newTestDispatcher(db, tp)
	log := seedPendingLog(t, svc)
	db.Model(&models.AutomationLog{}).Where("id = ?", log.ID).Update("email_status", models.StatusSent)

	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if tp.sentCount() != 0 {
		t.Errorf("transport called %d times for an already sent row", tp.sentCount())
	}
}

func TestApplyProviderStatus_Progression(t *testing.T) {
	db := newTestDB(t)
	svc := newTestDispatcher(db, &fakeTransport{})
	log := seedPendingLog(t, svc)
	if err := svc.Dispatch(context.Background(), log.ID, testMessage()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if err := svc.ApplyProviderStatus(context.Background(), "fake-msg-1", models.StatusDelivered); err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.EmailStatus)
	}

	// A late "sent" callback must not move the row backwards.
	if err := svc.ApplyProviderStatus(context.Background(), "fake-msg-1", models.StatusSent); err != nil {
		t.Fatalf("stale callback errored: %v", err)
	}
	db.First(&got, log.ID)
	if got.EmailStatus != models.StatusDelivered {
		t.Errorf("status regressed to %s", got.EmailStatus)
	}
}

func TestApplyProviderStatus_UnknownMessage(t *testing.T) {
	db := newTestDB(t)
	svc := newTestDispatcher(db, &fakeTransport{})
	if err := svc.ApplyProviderStatus(context.Background(), "no-such-id", models.StatusDelivered); err == nil {
		t.Fatal("expected error for unknown provider message id")
	}
}

func TestMarkSent_LostRaceLeavesRowAndCounters(t *testing.T) {
	db := newTestDB(t)
	svc := newTestDispatcher(db, &fakeTransport{})
	log := seedPendingLog(t, svc)

	// Another worker progressed the row between this worker's transport
	// call and its status write.
	db.Model(&models.AutomationLog{}).Where("id = ?", log.ID).
		UpdateColumns(map[string]interface{}{
			"email_status":    models.StatusSent,
			"provider_msg_id": "prov-first",
		})

	_, before := metrics.DispatchSnapshot()
	if err := svc.markSent(context.Background(), log.ID, &transport.Result{ProviderMessageID: "prov-second"}); err != nil {
		t.Fatalf("markSent failed: %v", err)
	}

	_, after := metrics.DispatchSnapshot()
	if after["sent"] != before["sent"] {
		t.Errorf("sent counter moved from %d to %d on a lost race", before["sent"], after["sent"])
	}
	var got models.AutomationLog
	db.First(&got, log.ID)
	if got.ProviderMsgID != "prov-first" {
		t.Errorf("provider_msg_id = %q, want the winner's id", got.ProviderMsgID)
	}
}
