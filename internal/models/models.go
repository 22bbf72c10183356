package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Contact is a person in the recruitment pipeline: an enquirer, an approved
// carer, a mentor or a referrer. The CRUD layer owns writes; the automation
// engine only reads current field values at resolution and render time.
type Contact struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Email          string         `gorm:"index" json:"email"`
	SecondaryEmail string         `json:"secondary_email"`
	Phone          string         `json:"phone"`
	ContactType    string         `gorm:"index;default:'enquirer'" json:"contact_type"` // enquirer, candidate, carer, mentor, referrer
	Tags           string         `json:"tags"`                                         // comma separated
	Stage          string         `gorm:"default:'new'" json:"stage"`                   // pipeline stage
	Notes          string         `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// FullName joins first and last name, tolerating either being empty.
func (c *Contact) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// TagList splits the comma separated tag column.
func (c *Contact) TagList() []string {
	if c.Tags == "" {
		return nil
	}
	parts := strings.Split(c.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// User is a staff member of the charity.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"default:'caseworker'" json:"role"` // caseworker, supervisor, admin
	Status    string         `gorm:"default:'active'" json:"status"`   // active, inactive
	LastLogin *time.Time     `json:"last_login"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// EmailTemplate is a subject/body pair with {{placeholder}} tokens. The
// template editor owns writes; the engine reads it at render time.
type EmailTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Subject   string    `gorm:"not null" json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
