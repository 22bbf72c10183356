package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"fosterline/internal/metrics"
	"fosterline/internal/models"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecipientConfig is the decoded form of AutomationDefinition.RecipientConfig.
// Only the fields belonging to the definition's recipient type are consulted.
type RecipientConfig struct {
	ContactField string   `json:"contact_field,omitempty"`
	UserRole     string   `json:"user_role,omitempty"`
	CustomEmails []string `json:"custom_emails,omitempty"`
	TagFilters   []string `json:"tag_filters,omitempty"`
	TypeFilters  []string `json:"type_filters,omitempty"`
}

// Recipient is one addressable target with its substitution data for the
// template renderer.
type Recipient struct {
	Email string
	Name  string
	Data  map[string]interface{}
}

// RecipientService expands a definition's recipient specification into a
// concrete, deduplicated recipient list. It reads contacts and users but
// never writes them.
type RecipientService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRecipientService(db *gorm.DB, logger *logrus.Logger) *RecipientService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RecipientService{db: db, logger: logger}
}

// Resolve returns the recipients for def given the triggering event.
// Configuration problems (unknown recipient type, malformed config JSON)
// yield an empty list, not an error; only storage failures propagate.
// Entries with a missing or invalid email are dropped and counted as
// skipped since no send was ever attempted for them.
func (s *RecipientService) Resolve(ctx context.Context, def *models.AutomationDefinition, evt *DomainEvent) ([]Recipient, error) {
	cfg := RecipientConfig{}
	if def.RecipientConfig != "" {
		if err := json.Unmarshal([]byte(def.RecipientConfig), &cfg); err != nil {
			s.logger.Warnf("recipients: invalid config for automation %d: %v", def.ID, err)
			return nil, nil
		}
	}

	var (
		raw []Recipient
		err error
	)
	switch def.RecipientType {
	case models.RecipientContact:
		raw, err = s.resolveContact(ctx, cfg, evt)
	case models.RecipientUser:
		raw, err = s.resolveUsers(ctx, cfg, evt)
	case models.RecipientCustom:
		raw = s.resolveCustom(cfg, evt)
	case models.RecipientAllContacts:
		raw, err = s.resolveContactQuery(ctx, evt, s.db.WithContext(ctx))
	case models.RecipientContactsByTag:
		raw, err = s.resolveByTag(ctx, cfg, evt)
	case models.RecipientContactsByType:
		raw, err = s.resolveByType(ctx, cfg, evt)
	default:
		s.logger.Warnf("recipients: unknown recipient type %q on automation %d", def.RecipientType, def.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s.dedupe(def.ID, raw), nil
}

func (s *RecipientService) resolveContact(ctx context.Context, cfg RecipientConfig, evt *DomainEvent) ([]Recipient, error) {
	field := cfg.ContactField
	if field == "" {
		field = "email"
	}

	contact, err := s.lookupEventContact(ctx, evt)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		// The event may carry the address inline when the contact row is
		// not persisted yet (e.g. a raw web enquiry).
		if addr, ok := evt.EntityFields[field].(string); ok && addr != "" {
			name, _ := evt.EntityFields["name"].(string)
			return []Recipient{{Email: addr, Name: name, Data: s.entityData(evt)}}, nil
		}
		return nil, nil
	}

	addr := contact.Email
	if field == "secondary_email" {
		addr = contact.SecondaryEmail
	}
	return []Recipient{{Email: addr, Name: contact.FullName(), Data: s.contactData(contact, evt)}}, nil
}

func (s *RecipientService) resolveUsers(ctx context.Context, cfg RecipientConfig, evt *DomainEvent) ([]Recipient, error) {
	if cfg.UserRole == "" {
		s.logger.Warn("recipients: user recipient type without user_role")
		return nil, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).
		Where("role = ? AND status = 'active'", cfg.UserRole).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	out := make([]Recipient, 0, len(users))
	for i := range users {
		u := &users[i]
		data := s.entityData(evt)
		data["name"] = u.Name
		data["email"] = u.Email
		data["role"] = u.Role
		out = append(out, Recipient{Email: u.Email, Name: u.Name, Data: data})
	}
	return out, nil
}

func (s *RecipientService) resolveCustom(cfg RecipientConfig, evt *DomainEvent) []Recipient {
	out := make([]Recipient, 0, len(cfg.CustomEmails))
	for _, addr := range cfg.CustomEmails {
		out = append(out, Recipient{Email: strings.TrimSpace(addr), Data: s.entityData(evt)})
	}
	return out
}

func (s *RecipientService) resolveByTag(ctx context.Context, cfg RecipientConfig, evt *DomainEvent) ([]Recipient, error) {
	if len(cfg.TagFilters) == 0 {
		return nil, nil
	}
	// Tags are a comma separated column; filter candidate rows in SQL and
	// confirm exact membership in Go to avoid substring false positives.
	query := s.db.WithContext(ctx)
	wanted := map[string]struct{}{}
	var clauses []string
	var args []interface{}
	for _, tag := range cfg.TagFilters {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		wanted[tag] = struct{}{}
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, "%"+tag+"%")
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	query = query.Where(strings.Join(clauses, " OR "), args...)

	candidates, err := s.resolveContactQuery(ctx, evt, query)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, r := range candidates {
		tags, _ := r.Data["tags"].(string)
		if tagIntersects(tags, wanted) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RecipientService) resolveByType(ctx context.Context, cfg RecipientConfig, evt *DomainEvent) ([]Recipient, error) {
	if len(cfg.TypeFilters) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Where("contact_type IN ?", cfg.TypeFilters)
	return s.resolveContactQuery(ctx, evt, query)
}

func (s *RecipientService) resolveContactQuery(ctx context.Context, evt *DomainEvent, query *gorm.DB) ([]Recipient, error) {
	var contacts []models.Contact
	if err := query.Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	out := make([]Recipient, 0, len(contacts))
	for i := range contacts {
		c := &contacts[i]
		out = append(out, Recipient{Email: c.Email, Name: c.FullName(), Data: s.contactData(c, evt)})
	}
	return out, nil
}

// lookupEventContact finds the contact a non-contact event points at via
// its contact_id field, or the entity itself for contact events.
func (s *RecipientService) lookupEventContact(ctx context.Context, evt *DomainEvent) (*models.Contact, error) {
	var id uint
	switch evt.Type {
	case models.TriggerContactCreated, models.TriggerContactUpdated:
		id = parseID(evt.EntityID)
	default:
		id = parseID(fmt.Sprintf("%v", evt.EntityFields["contact_id"]))
	}
	if id == 0 {
		return nil, nil
	}
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load contact %d: %w", id, err)
	}
	return &contact, nil
}

// contactData builds the render substitution map: the event's entity fields
// first, then the contact's own fields on top so the freshest values win.
func (s *RecipientService) contactData(c *models.Contact, evt *DomainEvent) map[string]interface{} {
	data := s.entityData(evt)
	data["first_name"] = c.FirstName
	data["last_name"] = c.LastName
	data["name"] = c.FullName()
	data["email"] = c.Email
	data["phone"] = c.Phone
	data["contact_type"] = c.ContactType
	data["stage"] = c.Stage
	data["tags"] = c.Tags
	return data
}

func (s *RecipientService) entityData(evt *DomainEvent) map[string]interface{} {
	data := make(map[string]interface{}, len(evt.EntityFields)+8)
	for k, v := range evt.EntityFields {
		data[k] = v
	}
	return data
}

// dedupe drops duplicate addresses and entries whose address is empty or
// malformed. Skipped entries were never attempted, so they are counted
// separately from failures.
func (s *RecipientService) dedupe(automationID uint, in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		addr := strings.ToLower(strings.TrimSpace(r.Email))
		if addr == "" {
			metrics.IncDispatch("skipped")
			s.logger.Warnf("recipients: automation %d skipping recipient with empty email", automationID)
			continue
		}
		if err := checkmail.ValidateFormat(addr); err != nil {
			metrics.IncDispatch("skipped")
			s.logger.Warnf("recipients: automation %d skipping invalid email %q: %v", automationID, r.Email, err)
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		r.Email = addr
		out = append(out, r)
	}
	return out
}

func tagIntersects(tags string, wanted map[string]struct{}) bool {
	for _, t := range strings.Split(tags, ",") {
		if _, ok := wanted[strings.TrimSpace(t)]; ok {
			return true
		}
	}
	return false
}

func parseID(s string) uint {
	s = strings.TrimSpace(s)
	if s == "" || s == "<nil>" {
		return 0
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return uint(f)
	}
	return 0
}
