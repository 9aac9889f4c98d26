package repository

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/secretbox"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type credentialRow struct {
	UserID               string `gorm:"primaryKey;size:64"`
	AccountID            string `gorm:"primaryKey;size:64"`
	Sealed               string `gorm:"type:text;not null"`
	LastVerifiedAt       *time.Time
	LastVerificationOK   bool
	VerificationFailures int `gorm:"not null;default:0"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (credentialRow) TableName() string { return "account_credentials" }

// credentialAAD binds a sealed bundle to its owner so a row copied onto another
// account fails to open.
func credentialAAD(userID, accountID string) []byte {
	return []byte(userID + "/" + accountID)
}

// GormCredentialStore keeps credential bundles encrypted at rest.
type GormCredentialStore struct {
	db  *gorm.DB
	box *secretbox.Box
}

func NewGormCredentialStore(db *gorm.DB, box *secretbox.Box) *GormCredentialStore {
	return &GormCredentialStore{db: db, box: box}
}

func (s *GormCredentialStore) GetCredentialBundle(ctx context.Context, userID, accountID string) (model.CredentialBundle, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_id = ?", userID, accountID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, err
	}
	values, err := s.box.OpenMap(row.Sealed, credentialAAD(userID, accountID))
	if err != nil {
		return nil, err
	}
	return model.CredentialBundle(values), nil
}

func (s *GormCredentialStore) PutCredentialBundle(ctx context.Context, userID, accountID string, bundle model.CredentialBundle) error {
	sealed, err := s.box.SealMap(bundle, credentialAAD(userID, accountID))
	if err != nil {
		return err
	}
	row := credentialRow{UserID: userID, AccountID: accountID, Sealed: sealed}
	// 新凭证重置校验状态
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "account_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sealed":                row.Sealed,
			"last_verified_at":      nil,
			"last_verification_ok":  false,
			"verification_failures": 0,
			"updated_at":            time.Now().UTC(),
		}),
	}).Create(&row).Error
}

func (s *GormCredentialStore) RecordVerification(ctx context.Context, userID, accountID string, success bool, at time.Time) error {
	updates := map[string]interface{}{
		"last_verified_at":     at,
		"last_verification_ok": success,
	}
	if success {
		updates["verification_failures"] = 0
	} else {
		updates["verification_failures"] = gorm.Expr("verification_failures + 1")
	}
	return s.db.WithContext(ctx).
		Model(&credentialRow{}).
		Where("user_id = ? AND account_id = ?", userID, accountID).
		Updates(updates).Error
}
