package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}
	if cfg.Database.Name != "fosterline" {
		t.Errorf("database name = %q", cfg.Database.Name)
	}
	if cfg.Automation.Workers <= 0 {
		t.Errorf("workers = %d", cfg.Automation.Workers)
	}
	if cfg.Automation.PollInterval <= 0 {
		t.Errorf("poll interval = %v", cfg.Automation.PollInterval)
	}
	if cfg.Automation.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Automation.MaxAttempts)
	}
	if cfg.Provider.Enabled {
		t.Error("provider should be disabled by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := GetDefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	cfg.Log.Output = "file"
	cfg.Log.FilePath = filepath.Join(dir, "logs", "engine.log")

	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	defer logrus.SetOutput(os.Stdout)

	if logrus.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v", logrus.GetLevel())
	}
	logrus.Info("probe entry")
	if _, err := os.Stat(filepath.Join(dir, "logs", "engine.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestInitLogger_InvalidLevelFallsBack(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Level = "chatty"
	cfg.Log.Output = "stdout"

	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	defer logrus.SetOutput(os.Stdout)
	if logrus.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %v, want info fallback", logrus.GetLevel())
	}
}
