package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type reportRow struct {
	UserID        string          `gorm:"primaryKey;size:64"`
	AccountID     string          `gorm:"primaryKey;size:64"`
	SecurityScore int             `gorm:"not null"`
	RiskLevel     string          `gorm:"size:16;index"`
	IsValid       bool            `gorm:"not null"`
	Compliance    map[string]bool `gorm:"serializer:json;type:jsonb"`
	Errors        []string        `gorm:"serializer:json;type:jsonb"`
	GeneratedAt   time.Time
}

func (reportRow) TableName() string { return "security_reports" }

type GormReportRepo struct {
	db *gorm.DB
}

func NewGormReportRepo(db *gorm.DB) *GormReportRepo {
	return &GormReportRepo{db: db}
}

func (r *GormReportRepo) SaveReport(ctx context.Context, report *model.SecurityReport) error {
	if report == nil {
		return nil
	}
	row := reportRow{
		UserID:        report.UserID,
		AccountID:     report.AccountID,
		SecurityScore: report.SecurityScore,
		RiskLevel:     string(report.RiskLevel),
		IsValid:       report.IsValid,
		Compliance:    report.Compliance,
		Errors:        report.Errors,
		GeneratedAt:   report.GeneratedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "account_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (r *GormReportRepo) GetReport(ctx context.Context, userID, accountID string) (*model.SecurityReport, error) {
	var row reportRow
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND account_id = ?", userID, accountID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.SecurityReport{
		UserID:        row.UserID,
		AccountID:     row.AccountID,
		SecurityScore: row.SecurityScore,
		RiskLevel:     model.RiskLevel(row.RiskLevel),
		IsValid:       row.IsValid,
		Compliance:    row.Compliance,
		Errors:        row.Errors,
		GeneratedAt:   row.GeneratedAt,
	}, nil
}
