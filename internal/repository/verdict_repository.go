package repository

import (
	"context"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VerdictRepository is the append-only result ledger
type VerdictRepository struct {
	db *gorm.DB
}

func NewVerdictRepository(db *gorm.DB) *VerdictRepository {
	return &VerdictRepository{db: db}
}

// Append records a verdict; a second append for the same (job, username) replaces the first
func (r *VerdictRepository) Append(ctx context.Context, verdict *models.Verdict) error {
	if verdict.RecordedAt.IsZero() {
		verdict.RecordedAt = now()
	}
	verdict.RecordedAt = verdict.RecordedAt.UTC()
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"position", "outcome", "detail", "evidence_ref", "account_id", "recorded_at"}),
		}).
		Create(verdict)
	return apperrors.Persistence("failed to append verdict", result.Error)
}

// Query returns the verdicts of a job in submission order
func (r *VerdictRepository) Query(ctx context.Context, jobID string) ([]models.Verdict, error) {
	var verdicts []models.Verdict
	result := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("position ASC").
		Find(&verdicts)
	if result.Error != nil {
		return nil, apperrors.Persistence("failed to query verdicts", result.Error)
	}
	return verdicts, nil
}

// CountByOutcome tallies the verdicts of a job per outcome
func (r *VerdictRepository) CountByOutcome(ctx context.Context, jobID string) (map[models.Outcome]int, error) {
	var rows []struct {
		Outcome models.Outcome
		Total   int
	}
	result := r.db.WithContext(ctx).Model(&models.Verdict{}).
		Select("outcome, COUNT(*) AS total").
		Where("job_id = ?", jobID).
		Group("outcome").
		Scan(&rows)
	if result.Error != nil {
		return nil, apperrors.Persistence("failed to count verdicts", result.Error)
	}
	counts := make(map[models.Outcome]int, len(rows))
	for _, row := range rows {
		counts[row.Outcome] = row.Total
	}
	return counts, nil
}
