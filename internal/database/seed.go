package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zaqqye/seb_integrity/internal/policy"
)

// SeedDefaultPolicy inserts the fallback policy under policy.DefaultExamID for local setups
// where no exam-authoring service writes policies yet. Existing rows are left alone.
func SeedDefaultPolicy(db *gorm.DB, log *zap.Logger) error {
	p := policy.Default(policy.DefaultExamID)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Info("seeded default monitoring policy", zap.String("exam_id", p.ExamID))
	}
	return nil
}
