package services

import (
	"context"
	"fmt"

	"fosterline/internal/models"

	"gorm.io/gorm"
)

// TemplateService is the engine's read access to email templates. The
// template editor owns the write side.
type TemplateService struct {
	db *gorm.DB
}

func NewTemplateService(db *gorm.DB) *TemplateService {
	return &TemplateService{db: db}
}

// GetTemplate returns the subject/body pair for id.
func (s *TemplateService) GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error) {
	var tmpl models.EmailTemplate
	if err := s.db.WithContext(ctx).First(&tmpl, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("email template not found")
		}
		return nil, fmt.Errorf("failed to get email template: %w", err)
	}
	return &tmpl, nil
}
