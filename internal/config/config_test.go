package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.StorageConfigured() {
		t.Fatalf("expected storage to be unconfigured by default")
	}
	if cfg.Backup.RetentionDays != 30 {
		t.Fatalf("expected 30 day retention, got %d", cfg.Backup.RetentionDays)
	}
	if cfg.Backup.ScheduleInterval != 24*time.Hour {
		t.Fatalf("unexpected schedule interval %s", cfg.Backup.ScheduleInterval)
	}
	if cfg.Auth.EditTokenTTL != 30*time.Minute {
		t.Fatalf("unexpected edit token ttl %s", cfg.Auth.EditTokenTTL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("INVITATION_STORAGE_BACKEND", "S3")
	t.Setenv("INVITATION_STORAGE_S3_BUCKET", "invitation-media")
	t.Setenv("INVITATION_ADMIN_KEY", "letmein")
	t.Setenv("INVITATION_EMAIL_SMTP_HOST", "smtp.example.com")
	t.Setenv("INVITATION_EMAIL_FROM", "hosts@example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Backend != StorageBackendS3 || !cfg.StorageConfigured() {
		t.Fatalf("expected configured s3 backend, got %#v", cfg.Storage)
	}
	if cfg.AdminKey != "letmein" {
		t.Fatalf("unexpected admin key %q", cfg.AdminKey)
	}
	if !cfg.Email.Enabled() {
		t.Fatalf("expected email to be enabled")
	}
	if cfg.AI.Enabled() {
		t.Fatalf("expected AI to be disabled without credentials")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	configViper := NewViper()
	configViper.Set("storage.backend", "azure")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestLoadRejectsNonPositiveRetention(t *testing.T) {
	configViper := NewViper()
	configViper.Set("backup.retention_days", 0)
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero retention")
	}
}
