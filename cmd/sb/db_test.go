package main

import (
	"strings"
	"testing"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	if !strings.Contains(out, "migrate") {
		t.Errorf("expected help to list 'migrate' subcommand, got: %s", out)
	}
}

func TestDBMigrateCmd_Help(t *testing.T) {
	out, err := runCmd(t, "db", "migrate", "--help")
	if err != nil {
		t.Fatalf("db migrate --help failed: %v", err)
	}
	if !strings.Contains(out, "--config") || !strings.Contains(out, "switchboard.yaml") {
		t.Errorf("expected --config flag with default path, got: %s", out)
	}
}

func TestDBMigrateCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, "db", "migrate", "--config", "/nonexistent/switchboard.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestDBMigrateCmd_SQLite(t *testing.T) {
	path := writeConfig(t, "")
	out, err := runCmd(t, "db", "migrate", "--config", path)
	if err != nil {
		t.Fatalf("db migrate failed: %v", err)
	}
	if !strings.Contains(out, "Connected to sqlite database") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "Migrated 6 tables") {
		t.Errorf("output = %s", out)
	}
}
