package models

import "time"

// Trigger types an AutomationDefinition can listen for. Closed set; events
// with any other type never match.
const (
	TriggerContactCreated   = "contact_created"
	TriggerContactUpdated   = "contact_updated"
	TriggerEnquirySubmitted = "enquiry_submitted"
	TriggerCaseCreated      = "case_created"
	TriggerCaseUpdated      = "case_updated"
	TriggerTrainingBooking  = "training_booking"
	TriggerInvoiceSent      = "invoice_sent"
	TriggerInvoiceOverdue   = "invoice_overdue"
	TriggerReminderDue      = "reminder_due"
	TriggerCustom           = "custom"
)

// Recipient resolution modes.
const (
	RecipientContact        = "contact"
	RecipientUser           = "user"
	RecipientCustom         = "custom"
	RecipientAllContacts    = "all_contacts"
	RecipientContactsByTag  = "contacts_by_tag"
	RecipientContactsByType = "contacts_by_type"
)

// Delay units.
const (
	DelayImmediate = "immediate"
	DelayMinutes   = "minutes"
	DelayHours     = "hours"
	DelayDays      = "days"
	DelayWeeks     = "weeks"
)

// Email dispatch statuses. pending is initial; sent may still progress via
// provider callbacks; delivered/opened/clicked/failed/bounced are terminal
// as far as this engine drives them.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusOpened    = "opened"
	StatusClicked   = "clicked"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
)

// AutomationDefinition is a stored rule: when an event of TriggerType
// matches the condition set, render EmailTemplate for the resolved
// recipients after the configured delay.
type AutomationDefinition struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"unique;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`

	TriggerType string `gorm:"index;not null" json:"trigger_type"`

	// Primary condition. An empty field means unconditional.
	TriggerField    string `json:"trigger_field"`
	TriggerOperator string `json:"trigger_operator"`
	TriggerValue    string `json:"trigger_value"`

	// JSON: [{field,operator,value}], all must hold in addition to the
	// primary condition.
	AdditionalConditions string `gorm:"type:text" json:"additional_conditions"`

	EmailTemplateID   uint   `gorm:"index" json:"email_template_id"`
	EmailTemplateName string `json:"email_template_name"`

	RecipientType   string `gorm:"not null" json:"recipient_type"`
	RecipientConfig string `gorm:"type:text" json:"recipient_config"` // JSON, keyed by RecipientType

	DelayType  string `gorm:"default:'immediate'" json:"delay_type"`
	DelayValue int    `gorm:"default:0" json:"delay_value"`

	TriggerCount  int64      `gorm:"default:0" json:"trigger_count"`
	LastTriggered *time.Time `json:"last_triggered"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduledJob is the durable marker written at match time, one per
// (definition, event). EventKey is unique so at-least-once event redelivery
// collapses to a single job. Recipients are resolved when the job falls due
// so that addresses are fresh after long delays.
type ScheduledJob struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AutomationID uint      `gorm:"index" json:"automation_id"`
	EventID      string    `gorm:"not null" json:"event_id"`
	EventType    string    `json:"event_type"`
	EntityID     string    `json:"entity_id"`
	EventPayload string    `gorm:"type:text" json:"event_payload"` // JSON snapshot of entity fields
	ScheduledFor time.Time `gorm:"index" json:"scheduled_for"`
	Status       string    `gorm:"index;default:'pending'" json:"status"` // pending, processing, completed
	EventKey     string    `gorm:"uniqueIndex;not null" json:"event_key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ScheduledDispatch is one pending delivery to one recipient, created when
// its job falls due. DedupeKey is unique per (definition, recipient, event)
// so replays after a crash cannot double-dispatch.
type ScheduledDispatch struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AutomationID   uint      `gorm:"index" json:"automation_id"`
	EventID        string    `json:"event_id"`
	EventPayload   string    `gorm:"type:text" json:"event_payload"`
	RecipientEmail string    `gorm:"not null" json:"recipient_email"`
	RecipientName  string    `json:"recipient_name"`
	ScheduledFor   time.Time `gorm:"index" json:"scheduled_for"`
	DedupeKey      string    `gorm:"uniqueIndex;not null" json:"dedupe_key"`
	LogID          uint      `gorm:"index" json:"log_id"`
	Completed      bool      `gorm:"index;default:false" json:"completed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AutomationLog is the append-only audit record for one dispatch attempt
// series. Created pending alongside the ScheduledDispatch, mutated by the
// dispatcher and by provider callbacks, never deleted.
type AutomationLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AutomationID   uint       `gorm:"index" json:"automation_id"`
	RecipientName  string     `json:"recipient_name"`
	RecipientEmail string     `gorm:"index" json:"recipient_email"`
	EmailSubject   string     `json:"email_subject"`
	EmailStatus    string     `gorm:"index;default:'pending'" json:"email_status"`
	DedupeKey      string     `gorm:"index" json:"dedupe_key"`
	ProviderMsgID  string     `gorm:"index" json:"provider_msg_id"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	SentAt         *time.Time `json:"sent_at"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Automation AutomationDefinition `gorm:"foreignKey:AutomationID" json:"automation,omitempty"`
}

// statusRank orders email statuses so updates can only move forward.
// failed/bounced share the terminal rank: once in a terminal state a row
// never changes again.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusOpened:    3,
	StatusClicked:   4,
	StatusFailed:    5,
	StatusBounced:   5,
}

// IsTerminalStatus reports whether the engine performs no further
// transitions from s on its own.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusDelivered, StatusOpened, StatusClicked, StatusFailed, StatusBounced:
		return true
	}
	return false
}

// CanTransition reports whether a status row may move from -> to without
// violating monotonic progression. Terminal states accept nothing; equal
// states are a no-op refused here so callers can skip the write.
func CanTransition(from, to string) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusFailed || from == StatusBounced {
		return false
	}
	// failed/bounced are reachable from pending or sent only.
	if to == StatusFailed || to == StatusBounced {
		return fr <= statusRank[StatusSent]
	}
	return tr > fr
}
