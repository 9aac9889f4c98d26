package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type exchangeRow struct {
	Slug      string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:128"`
	IsActive  bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (exchangeRow) TableName() string { return "exchanges" }

type accountRow struct {
	ID           string      `gorm:"primaryKey;size:64"`
	UserID       string      `gorm:"primaryKey;size:64;index"`
	Name         string      `gorm:"size:128"`
	ExchangeSlug string      `gorm:"size:64;index"`
	Exchange     exchangeRow `gorm:"foreignKey:ExchangeSlug;references:Slug"`
	IsActive     bool        `gorm:"not null"`
	IsBlocked    bool        `gorm:"not null;default:false"`
	IsSuspended  bool        `gorm:"not null;default:false"`
	BlockReason  string      `gorm:"size:255"`
	BlockedAt    *time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountRow) TableName() string { return "exchange_accounts" }

func (r *accountRow) toModel() *model.Account {
	return &model.Account{
		ID:          r.ID,
		Name:        r.Name,
		OwnerID:     r.UserID,
		IsActive:    r.IsActive,
		IsBlocked:   r.IsBlocked,
		IsSuspended: r.IsSuspended,
		ExpiresAt:   r.ExpiresAt,
		Exchange: model.ExchangeInfo{
			Slug:     r.Exchange.Slug,
			Name:     r.Exchange.Name,
			IsActive: r.Exchange.IsActive,
		},
	}
}

// GormAccountRepo reads linked exchange accounts from postgres.
type GormAccountRepo struct {
	db *gorm.DB
}

func NewGormAccountRepo(db *gorm.DB) *GormAccountRepo {
	return &GormAccountRepo{db: db}
}

func (r *GormAccountRepo) GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error) {
	var row accountRow
	err := r.db.WithContext(ctx).
		Preload("Exchange").
		Where("id = ? AND user_id = ?", accountID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *GormAccountRepo) ListUserAccounts(ctx context.Context, userID string) ([]*model.Account, error) {
	var rows []accountRow
	err := r.db.WithContext(ctx).
		Preload("Exchange").
		Where("user_id = ?", userID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*model.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *GormAccountRepo) BlockAccount(ctx context.Context, userID, accountID, reason string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ? AND user_id = ?", accountID, userID).
		Updates(map[string]interface{}{
			"is_blocked":   true,
			"block_reason": reason,
			"blocked_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpsertExchange 用于从配置播种
func (r *GormAccountRepo) UpsertExchange(ctx context.Context, ex model.ExchangeInfo) error {
	row := exchangeRow{Slug: ex.Slug, Name: ex.Name, IsActive: ex.IsActive}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "is_active", "updated_at"}),
	}).Create(&row).Error
}

// UpsertAccount seeds an account; block state set at runtime is left untouched.
func (r *GormAccountRepo) UpsertAccount(ctx context.Context, acc *model.Account) error {
	row := accountRow{
		ID:           acc.ID,
		UserID:       acc.OwnerID,
		Name:         acc.Name,
		ExchangeSlug: acc.Exchange.Slug,
		IsActive:     acc.IsActive,
		IsSuspended:  acc.IsSuspended,
		ExpiresAt:    acc.ExpiresAt,
	}
	return r.db.WithContext(ctx).Omit("Exchange").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "exchange_slug", "is_active", "is_suspended", "expires_at", "updated_at"}),
	}).Create(&row).Error
}
