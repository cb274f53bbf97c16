package global

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfigDir_UsesOverride(t *testing.T) {
	t.Setenv(ConfigDirEnv, "/tmp/hostbridge-config-test")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir returned error: %v", err)
	}
	if got != "/tmp/hostbridge-config-test" {
		t.Fatalf("expected override path, got %q", got)
	}
}

func TestDefaultConfigDir_FallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(ConfigDirEnv, "")
	t.Setenv("HOME", home)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir returned error: %v", err)
	}
	if got != filepath.Join(home, ".config", "hostbridge") {
		t.Fatalf("unexpected default dir %q", got)
	}
}
