package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fosterline/internal/models"
	"fosterline/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DomainEvent is one occurrence in the case management system: a contact
// was created, an enquiry came in, an invoice went overdue. ID is the
// producer's stable identifier and anchors all dedupe keys downstream.
type DomainEvent struct {
	ID           string                 `json:"id" binding:"required"`
	Type         string                 `json:"type" binding:"required"`
	EntityID     string                 `json:"entity_id"`
	EntityFields map[string]interface{} `json:"entity_fields"`
}

// Condition is one field comparison against the triggering event.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// CreateAutomationRequest carries the writable fields of a definition.
type CreateAutomationRequest struct {
	Name                 string `json:"name" binding:"required"`
	Description          string `json:"description"`
	IsActive             *bool  `json:"is_active"`
	TriggerType          string `json:"trigger_type" binding:"required"`
	TriggerField         string `json:"trigger_field"`
	TriggerOperator      string `json:"trigger_operator"`
	TriggerValue         string `json:"trigger_value"`
	AdditionalConditions string `json:"additional_conditions"`
	EmailTemplateID      uint   `json:"email_template_id" binding:"required"`
	RecipientType        string `json:"recipient_type" binding:"required"`
	RecipientConfig      string `json:"recipient_config"`
	DelayType            string `json:"delay_type"`
	DelayValue           int    `json:"delay_value"`
}

// UpdateAutomationRequest carries partial updates; nil pointers leave the
// stored value untouched.
type UpdateAutomationRequest struct {
	Name                 *string `json:"name"`
	Description          *string `json:"description"`
	IsActive             *bool   `json:"is_active"`
	TriggerType          *string `json:"trigger_type"`
	TriggerField         *string `json:"trigger_field"`
	TriggerOperator      *string `json:"trigger_operator"`
	TriggerValue         *string `json:"trigger_value"`
	AdditionalConditions *string `json:"additional_conditions"`
	EmailTemplateID      *uint   `json:"email_template_id"`
	RecipientType        *string `json:"recipient_type"`
	RecipientConfig      *string `json:"recipient_config"`
	DelayType            *string `json:"delay_type"`
	DelayValue           *int    `json:"delay_value"`
}

var validTriggerTypes = map[string]bool{
	models.TriggerContactCreated:   true,
	models.TriggerContactUpdated:   true,
	models.TriggerEnquirySubmitted: true,
	models.TriggerCaseCreated:      true,
	models.TriggerCaseUpdated:      true,
	models.TriggerTrainingBooking:  true,
	models.TriggerInvoiceSent:      true,
	models.TriggerInvoiceOverdue:   true,
	models.TriggerReminderDue:      true,
	models.TriggerCustom:           true,
}

var validRecipientTypes = map[string]bool{
	models.RecipientContact:        true,
	models.RecipientUser:           true,
	models.RecipientCustom:         true,
	models.RecipientAllContacts:    true,
	models.RecipientContactsByTag:  true,
	models.RecipientContactsByType: true,
}

var validDelayTypes = map[string]bool{
	models.DelayImmediate: true,
	models.DelayMinutes:   true,
	models.DelayHours:     true,
	models.DelayDays:      true,
	models.DelayWeeks:     true,
}

// errAutomationInactive aborts the trigger transaction when the definition
// was deactivated between matching and recording the trigger.
var errAutomationInactive = errors.New("automation deactivated")

// AutomationService is the front of the engine: it matches incoming domain
// events against stored definitions and hands matches to the scheduler, and
// it exposes definition CRUD, log listing and test sends for the admin UI.
type AutomationService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	scheduler  *SchedulerService
	templates  *TemplateService
	dispatcher *DispatcherService
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, scheduler *SchedulerService, templates *TemplateService, dispatcher *DispatcherService) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("fosterline.automation"),
		scheduler:  scheduler,
		templates:  templates,
		dispatcher: dispatcher,
	}
}

// HandleEvent matches evt against every active definition of its trigger
// type and enqueues a job for each match. One event can fire any number of
// definitions. Matching is read-only apart from the trigger counter bump.
func (s *AutomationService) HandleEvent(ctx context.Context, evt *DomainEvent) error {
	ctx, span := s.tracer.Start(ctx, "automation.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type),
	)

	var defs []models.AutomationDefinition
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND trigger_type = ?", true, evt.Type).
		Find(&defs).Error; err != nil {
		return fmt.Errorf("failed to load automations for %s: %w", evt.Type, err)
	}

	matched := 0
	for i := range defs {
		def := &defs[i]
		if !s.matches(def, evt) {
			continue
		}
		matched++

		// The counter bump and the job insert commit together: the bump is
		// guarded on is_active so a definition deactivated mid-flight
		// neither counts nor fires, and a redelivered event hits the unique
		// event key, which rolls the bump back instead of inflating the
		// trigger statistics.
		var job *models.ScheduledJob
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.AutomationDefinition{}).
				Where("id = ? AND is_active = ?", def.ID, true).
				Updates(map[string]interface{}{
					"trigger_count":  gorm.Expr("trigger_count + 1"),
					"last_triggered": time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to record trigger for automation %d: %w", def.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return errAutomationInactive
			}
			var err error
			job, err = s.scheduler.enqueueIn(tx, def, evt)
			return err
		})
		switch txErr {
		case nil:
			s.scheduler.noteEnqueued(job)
		case errAutomationInactive:
			s.logger.Infof("automation %d deactivated during matching, skipping", def.ID)
		case gorm.ErrDuplicatedKey:
			s.logger.Debugf("automation %d already scheduled event %s, dropping redelivery", def.ID, evt.ID)
		default:
			return txErr
		}
	}
	span.SetAttributes(attribute.Int("event.matched", matched))
	return nil
}

// matches evaluates the primary condition and every additional condition
// conjunctively. An empty primary field means the definition fires on every
// event of its type. Malformed additional conditions disable the definition
// for this event rather than firing it.
func (s *AutomationService) matches(def *models.AutomationDefinition, evt *DomainEvent) bool {
	if def.TriggerField != "" {
		if !evaluateCondition(evt.EntityFields, Condition{
			Field:    def.TriggerField,
			Operator: def.TriggerOperator,
			Value:    def.TriggerValue,
		}) {
			return false
		}
	}
	if def.AdditionalConditions == "" {
		return true
	}

	var conditions []Condition
	if err := json.Unmarshal([]byte(def.AdditionalConditions), &conditions); err != nil {
		s.logger.Warnf("automation %d has malformed additional conditions: %v", def.ID, err)
		return false
	}
	for _, c := range conditions {
		if !evaluateCondition(evt.EntityFields, c) {
			return false
		}
	}
	return true
}

// evaluateCondition compares one event field against a literal. A missing
// field never matches. Numeric operators fall back to string comparison
// when either side does not parse as a number.
func evaluateCondition(fields map[string]interface{}, c Condition) bool {
	raw, ok := fields[c.Field]
	if !ok || raw == nil {
		return false
	}
	actual := fmt.Sprintf("%v", raw)

	switch c.Operator {
	case "equals", "":
		return strings.EqualFold(actual, c.Value)
	case "not_equals":
		return !strings.EqualFold(actual, c.Value)
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case "greater_than":
		a, aerr := strconv.ParseFloat(actual, 64)
		b, berr := strconv.ParseFloat(c.Value, 64)
		if aerr == nil && berr == nil {
			return a > b
		}
		return actual > c.Value
	case "less_than":
		a, aerr := strconv.ParseFloat(actual, 64)
		b, berr := strconv.ParseFloat(c.Value, 64)
		if aerr == nil && berr == nil {
			return a < b
		}
		return actual < c.Value
	default:
		return false
	}
}

// CreateAutomation validates and stores a new definition.
func (s *AutomationService) CreateAutomation(ctx context.Context, req *CreateAutomationRequest) (*models.AutomationDefinition, error) {
	if !validTriggerTypes[req.TriggerType] {
		return nil, fmt.Errorf("unknown trigger type %q", req.TriggerType)
	}
	if !validRecipientTypes[req.RecipientType] {
		return nil, fmt.Errorf("unknown recipient type %q", req.RecipientType)
	}
	delayType := req.DelayType
	if delayType == "" {
		delayType = models.DelayImmediate
	}
	if !validDelayTypes[delayType] {
		return nil, fmt.Errorf("unknown delay type %q", delayType)
	}
	if req.DelayValue < 0 {
		return nil, fmt.Errorf("delay value must not be negative")
	}
	if err := validateConditionsJSON(req.AdditionalConditions); err != nil {
		return nil, err
	}

	tmpl, err := s.templates.GetTemplate(ctx, req.EmailTemplateID)
	if err != nil {
		return nil, err
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	def := models.AutomationDefinition{
		Name:                 req.Name,
		Description:          req.Description,
		IsActive:             active,
		TriggerType:          req.TriggerType,
		TriggerField:         req.TriggerField,
		TriggerOperator:      req.TriggerOperator,
		TriggerValue:         req.TriggerValue,
		AdditionalConditions: req.AdditionalConditions,
		EmailTemplateID:      tmpl.ID,
		EmailTemplateName:    tmpl.Name,
		RecipientType:        req.RecipientType,
		RecipientConfig:      req.RecipientConfig,
		DelayType:            delayType,
		DelayValue:           req.DelayValue,
	}
	if err := s.db.WithContext(ctx).Create(&def).Error; err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}
	s.logger.Infof("automation %d (%s) created", def.ID, def.Name)
	return &def, nil
}

// GetAutomation returns one definition by id.
func (s *AutomationService) GetAutomation(ctx context.Context, id uint) (*models.AutomationDefinition, error) {
	var def models.AutomationDefinition
	if err := s.db.WithContext(ctx).First(&def, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("automation not found")
		}
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return &def, nil
}

// ListAutomations returns a page of definitions plus the unpaged total.
// triggerType and active filter when non-empty / non-nil.
func (s *AutomationService) ListAutomations(ctx context.Context, page, pageSize int, triggerType string, active *bool) ([]models.AutomationDefinition, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationDefinition{})
	if triggerType != "" {
		query = query.Where("trigger_type = ?", triggerType)
	}
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count automations: %w", err)
	}

	var defs []models.AutomationDefinition
	if err := query.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&defs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list automations: %w", err)
	}
	return defs, total, nil
}

// UpdateAutomation applies the non-nil fields of req to the definition.
func (s *AutomationService) UpdateAutomation(ctx context.Context, id uint, req *UpdateAutomationRequest) (*models.AutomationDefinition, error) {
	def, err := s.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.TriggerType != nil {
		if !validTriggerTypes[*req.TriggerType] {
			return nil, fmt.Errorf("unknown trigger type %q", *req.TriggerType)
		}
		updates["trigger_type"] = *req.TriggerType
	}
	if req.TriggerField != nil {
		updates["trigger_field"] = *req.TriggerField
	}
	if req.TriggerOperator != nil {
		updates["trigger_operator"] = *req.TriggerOperator
	}
	if req.TriggerValue != nil {
		updates["trigger_value"] = *req.TriggerValue
	}
	if req.AdditionalConditions != nil {
		if err := validateConditionsJSON(*req.AdditionalConditions); err != nil {
			return nil, err
		}
		updates["additional_conditions"] = *req.AdditionalConditions
	}
	if req.EmailTemplateID != nil {
		tmpl, err := s.templates.GetTemplate(ctx, *req.EmailTemplateID)
		if err != nil {
			return nil, err
		}
		updates["email_template_id"] = tmpl.ID
		updates["email_template_name"] = tmpl.Name
	}
	if req.RecipientType != nil {
		if !validRecipientTypes[*req.RecipientType] {
			return nil, fmt.Errorf("unknown recipient type %q", *req.RecipientType)
		}
		updates["recipient_type"] = *req.RecipientType
	}
	if req.RecipientConfig != nil {
		updates["recipient_config"] = *req.RecipientConfig
	}
	if req.DelayType != nil {
		if !validDelayTypes[*req.DelayType] {
			return nil, fmt.Errorf("unknown delay type %q", *req.DelayType)
		}
		updates["delay_type"] = *req.DelayType
	}
	if req.DelayValue != nil {
		if *req.DelayValue < 0 {
			return nil, fmt.Errorf("delay value must not be negative")
		}
		updates["delay_value"] = *req.DelayValue
	}
	if len(updates) == 0 {
		return def, nil
	}

	if err := s.db.WithContext(ctx).Model(def).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update automation: %w", err)
	}
	return s.GetAutomation(ctx, id)
}

// SetActive toggles a definition. Deactivation stops future matching only;
// jobs already scheduled still run, since the recipients were promised the
// email when the event fired.
func (s *AutomationService) SetActive(ctx context.Context, id uint, active bool) (*models.AutomationDefinition, error) {
	def, err := s.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(def).Update("is_active", active).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle automation: %w", err)
	}
	def.IsActive = active
	return def, nil
}

// DeleteAutomation removes the definition. Its logs are kept; the audit
// trail outlives the rule that produced it.
func (s *AutomationService) DeleteAutomation(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.AutomationDefinition{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete automation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("automation not found")
	}
	return nil
}

// ListLogs returns a page of audit rows, newest first. automationID 0 means
// all definitions; status "" means all statuses.
func (s *AutomationService) ListLogs(ctx context.Context, page, pageSize int, automationID uint, status string) ([]models.AutomationLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if automationID != 0 {
		query = query.Where("automation_id = ?", automationID)
	}
	if status != "" {
		query = query.Where("email_status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}

	var logs []models.AutomationLog
	if err := query.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, total, nil
}

// GetLog returns one audit row by id, with its definition preloaded.
func (s *AutomationService) GetLog(ctx context.Context, id uint) (*models.AutomationLog, error) {
	var log models.AutomationLog
	if err := s.db.WithContext(ctx).Preload("Automation").First(&log, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("automation log not found")
		}
		return nil, fmt.Errorf("failed to get log: %w", err)
	}
	return &log, nil
}

// FindLogByDedupeKey returns the audit row for a dedupe key, or nil when no
// dispatch with that key was ever recorded.
func (s *AutomationService) FindLogByDedupeKey(ctx context.Context, key string) (*models.AutomationLog, error) {
	var log models.AutomationLog
	if err := s.db.WithContext(ctx).Where("dedupe_key = ?", key).First(&log).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up dedupe key: %w", err)
	}
	return &log, nil
}

// TestAutomation sends the definition's template to testEmail right away,
// skipping trigger matching and delay. Placeholders render from a sample
// data set. The send is audited like a real one but never deduped against
// real traffic.
func (s *AutomationService) TestAutomation(ctx context.Context, id uint, testEmail string) (*models.AutomationLog, error) {
	def, err := s.GetAutomation(ctx, id)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.templates.GetTemplate(ctx, def.EmailTemplateID)
	if err != nil {
		return nil, err
	}

	data := sampleRenderData(testEmail)
	rendered := RenderTemplate(tmpl.Subject, tmpl.Body, data)

	log := models.AutomationLog{
		AutomationID:   def.ID,
		RecipientName:  "Test Recipient",
		RecipientEmail: testEmail,
		EmailSubject:   rendered.Subject,
		EmailStatus:    models.StatusPending,
		DedupeKey:      "test-" + uuid.NewString(),
		ScheduledFor:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&log).Error; err != nil {
		return nil, fmt.Errorf("failed to create test log: %w", err)
	}

	msg := &transport.Message{
		ToEmail:  testEmail,
		ToName:   log.RecipientName,
		Subject:  rendered.Subject,
		BodyHTML: rendered.Body,
	}
	if err := s.dispatcher.Dispatch(ctx, log.ID, msg); err != nil {
		s.logger.Warnf("test send for automation %d failed: %v", id, err)
	}

	var out models.AutomationLog
	if err := s.db.WithContext(ctx).First(&out, log.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload test log: %w", err)
	}
	return &out, nil
}

func validateConditionsJSON(raw string) error {
	if raw == "" {
		return nil
	}
	var conditions []Condition
	if err := json.Unmarshal([]byte(raw), &conditions); err != nil {
		return fmt.Errorf("additional_conditions must be a JSON array of conditions: %w", err)
	}
	return nil
}

func sampleRenderData(testEmail string) map[string]interface{} {
	return map[string]interface{}{
		"name":         "Test Recipient",
		"first_name":   "Test",
		"last_name":    "Recipient",
		"email":        testEmail,
		"phone":        "01632 960000",
		"contact_type": "foster_carer",
		"stage":        "enquiry",
		"case_number":  "FC-0001",
		"amount":       "125.00",
	}
}
