package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type Outcome string

const (
	OutcomeClean   Outcome = "clean"   // Follow went through without a warning
	OutcomeWarned  Outcome = "warned"  // Fraud warning dialog shown
	OutcomeUnknown Outcome = "unknown" // No signal within the observation timeout
	OutcomeError   Outcome = "error"   // Check could not be performed
)

// Verdict details
const (
	DetailNotFound      = "not_found"
	DetailLoadFailed    = "load_failed"
	DetailDialogTimeout = "dialog_timeout"
)

// Verdict is the recorded outcome for one username within one job
type Verdict struct {
	JobID       string    `gorm:"column:job_id;primaryKey" json:"job_id"`
	Username    string    `gorm:"column:username;primaryKey" json:"username"`
	Position    int       `gorm:"column:position" json:"position"`
	Outcome     Outcome   `gorm:"column:outcome" json:"outcome"`
	Detail      *string   `gorm:"column:detail" json:"detail,omitempty"`
	EvidenceRef *string   `gorm:"column:evidence_ref" json:"evidence_ref,omitempty"`
	AccountID   *string   `gorm:"column:account_id" json:"account_id,omitempty"`
	RecordedAt  time.Time `gorm:"column:recorded_at" json:"recorded_at"`
}

// TableName specifies the table name for GORM
func (Verdict) TableName() string {
	return "verdicts"
}

// StringList stores an ordered list of strings as a JSON array column
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte or string failed")
	}
	return json.Unmarshal(raw, (*[]string)(l))
}
