package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"fosterline/internal/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn  string
		seed bool
	)
	flag.StringVar(&dsn, "dsn", os.Getenv("DB_DSN"), "Postgres DSN")
	flag.BoolVar(&seed, "seed", false, "insert default email templates")
	flag.Parse()

	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			getenvDefault("DB_HOST", "localhost"),
			getenvDefault("DB_USER", "postgres"),
			getenvDefault("DB_PASSWORD", "password"),
			getenvDefault("DB_NAME", "fosterline"),
			getenvDefault("DB_PORT", "5432"),
		)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(
		&models.Contact{},
		&models.User{},
		&models.EmailTemplate{},
		&models.AutomationDefinition{},
		&models.ScheduledJob{},
		&models.ScheduledDispatch{},
		&models.AutomationLog{},
	); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_status_due ON scheduled_jobs(status, scheduled_for)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_scheduled_dispatches_due ON scheduled_dispatches(completed, scheduled_for)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_logs_automation_created ON automation_logs(automation_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_automation_logs_status_created ON automation_logs(email_status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_contacts_type_stage ON contacts(contact_type, stage)")
	log.Println("Additional indexes created successfully!")

	if seed {
		log.Println("Seeding default email templates...")
		seedDefaultTemplates(db)
		log.Println("Default templates seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultTemplates(db *gorm.DB) {
	templates := []models.EmailTemplate{
		{
			Name:    "enquiry_acknowledgement",
			Subject: "Thank you for your fostering enquiry, {{first_name}}",
			Body: "<p>Dear {{first_name}},</p>" +
				"<p>Thank you for getting in touch about fostering. A member of our recruitment team will contact you within two working days.</p>" +
				"<p>Warm regards,<br>The Fostering Team</p>",
		},
		{
			Name:    "welcome_new_contact",
			Subject: "Welcome, {{name}}",
			Body: "<p>Hello {{first_name}},</p>" +
				"<p>Your record has been created in our system. We will keep you updated at {{email}}.</p>",
		},
		{
			Name:    "training_booking_confirmation",
			Subject: "Your training booking is confirmed",
			Body: "<p>Dear {{first_name}},</p>" +
				"<p>Your place on the upcoming training session has been confirmed. We look forward to seeing you.</p>",
		},
		{
			Name:    "invoice_overdue_reminder",
			Subject: "Reminder: invoice {{invoice_number}} is overdue",
			Body: "<p>Dear {{name}},</p>" +
				"<p>Our records show invoice {{invoice_number}} for {{amount}} is now overdue. Please arrange payment at your earliest convenience.</p>",
		},
	}
	for _, t := range templates {
		var existing models.EmailTemplate
		if err := db.Where("name = ?", t.Name).First(&existing).Error; err == nil {
			continue
		}
		if err := db.Create(&t).Error; err != nil {
			log.Printf("Failed to seed template %s: %v", t.Name, err)
		}
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
