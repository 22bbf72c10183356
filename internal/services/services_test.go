package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"fosterline/internal/models"
	"fosterline/internal/transport"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Contact{}, &models.User{}, &models.EmailTemplate{},
		&models.AutomationDefinition{}, &models.ScheduledJob{},
		&models.ScheduledDispatch{}, &models.AutomationLog{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeTransport counts sends and fails the first failUntil calls. When
// permanent is set, every failure is non-retryable.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	permanent bool
	sent      []*transport.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg *transport.Message) (*transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		if f.permanent {
			return nil, transport.Permanent(errAddressRejected)
		}
		return nil, errTemporary
	}
	f.sent = append(f.sent, msg)
	return &transport.Result{ProviderMessageID: "fake-msg-1"}, nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var (
	errTemporary       = tempErr("connection reset")
	errAddressRejected = tempErr("address rejected")
)

type tempErr string

func (e tempErr) Error() string { return string(e) }

func newTestDispatcher(db *gorm.DB, tp transport.Transport) *DispatcherService {
	d := NewDispatcherService(db, quietLogger(), tp)
	d.BackoffBase = time.Millisecond
	d.sleep = func(time.Duration) {}
	return d
}

func seedTemplate(t *testing.T, db *gorm.DB, name, subject, body string) *models.EmailTemplate {
	t.Helper()
	tmpl := models.EmailTemplate{Name: name, Subject: subject, Body: body}
	if err := db.Create(&tmpl).Error; err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return &tmpl
}

func seedContact(t *testing.T, db *gorm.DB, c models.Contact) *models.Contact {
	t.Helper()
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return &c
}
