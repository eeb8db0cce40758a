// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zaqqye/seb_integrity/internal/database"
	"github.com/zaqqye/seb_integrity/internal/models"
)

// OpenDB returns a migrated private in-memory sqlite database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite("file::memory:", nil)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SeedPolicy stores p and returns it.
func SeedPolicy(t testing.TB, db *gorm.DB, p models.MonitoringPolicy) *models.MonitoringPolicy {
	t.Helper()
	require.NoError(t, db.Create(&p).Error)
	return &p
}

// SeedSession stores an exam session in the given state.
func SeedSession(t testing.TB, db *gorm.DB, examID, userID string, status models.SessionStatus, count int) *models.ExamSession {
	t.Helper()
	s := models.ExamSession{ExamID: examID, UserID: userID, Status: status, ViolationCount: count}
	require.NoError(t, db.Create(&s).Error)
	return &s
}
