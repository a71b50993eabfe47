package db

import (
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.DatabaseConfig
		prefix string
	}{
		{
			name:   "default local",
			cfg:    config.DatabaseConfig{User: "root", Host: "127.0.0.1", Port: 3306, Name: "switchboard"},
			prefix: "root@tcp(127.0.0.1:3306)/switchboard?",
		},
		{
			name:   "with password",
			cfg:    config.DatabaseConfig{User: "chat", Password: "pw", Host: "10.0.0.5", Port: 3307, Name: "chat_prod"},
			prefix: "chat:pw@tcp(10.0.0.5:3307)/chat_prod?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.prefix)
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("DSN missing parseTime=true: %s", got)
			}
			if !strings.Contains(got, "charset=utf8mb4") {
				t.Errorf("DSN missing charset=utf8mb4: %s", got)
			}
		})
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), `unsupported driver "postgres"`) {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConnect_SQLiteMigrate(t *testing.T) {
	gormDB, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gormDB.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAutoMigrate_ReadStatusUnique(t *testing.T) {
	gormDB, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	row := models.MessageReadStatus{MessageID: "m1", UserID: "bob"}
	if err := gormDB.Create(&row).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := models.MessageReadStatus{MessageID: "m1", UserID: "bob"}
	if err := gormDB.Create(&dup).Error; err == nil {
		t.Error("expected duplicate (message, reader) insert to fail")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 6 {
		t.Errorf("len(AllModels()) = %d, want 6", got)
	}
}
