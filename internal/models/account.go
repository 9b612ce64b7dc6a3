package models

import "time"

type AccountStatus string

const (
	AccountStatusAvailable   AccountStatus = "available"    // Selectable
	AccountStatusActive      AccountStatus = "active"       // Assigned to the running job
	AccountStatusCoolingDown AccountStatus = "cooling_down" // Daily cap reached, waits for the reset boundary
	AccountStatusLockedOut   AccountStatus = "locked_out"   // Auth failure or challenge, operator must unlock
)

// Account is a platform login used to perform checks, with its rate ledger.
// Passwords never reach the database; CredentialRef points at the configured credential.
type Account struct {
	ID            string        `gorm:"column:id;primaryKey" json:"id"`
	CredentialRef string        `gorm:"column:credential_ref" json:"credential_ref"`
	DailyUseCount int           `gorm:"column:daily_use_count" json:"daily_use_count"`
	CountResetAt  time.Time     `gorm:"column:count_reset_at" json:"count_reset_at"`
	Status        AccountStatus `gorm:"column:status" json:"status"`
	LockReason    *string       `gorm:"column:lock_reason" json:"lock_reason,omitempty"`
	LastUsedAt    *time.Time    `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	CreatedAt     time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}
