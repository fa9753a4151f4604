package repository

import (
	"fmt"
	"strings"
	"testing"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDBForTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Role{},
		&domain.Permission{},
		&domain.Session{},
		&domain.VerificationToken{},
		&domain.SecurityEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func strPtr(v string) *string { return &v }
