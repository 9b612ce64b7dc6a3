package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/metrics"
	"github.com/vipul43/warncheck/internal/models"
	"github.com/vipul43/warncheck/internal/repository"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9._]{1,30}$`)

// JobView is a job with its position in the queue (0 once it has finished)
type JobView struct {
	models.Job
	Position int `json:"position"`
}

// JobDetail is a job with every verdict recorded so far
type JobDetail struct {
	JobView
	Verdicts []models.Verdict       `json:"verdicts"`
	Summary  map[models.Outcome]int `json:"summary"`
}

// Queue sequences check requests for the single worker
type Queue struct {
	jobs         *repository.JobRepository
	verdicts     *repository.VerdictRepository
	publisher    events.Publisher
	maxUsernames int
	pollInterval time.Duration
	logger       *zap.Logger
	wake         chan struct{}
}

func New(jobs *repository.JobRepository, verdicts *repository.VerdictRepository, publisher events.Publisher, maxUsernames int, pollInterval time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		jobs:         jobs,
		verdicts:     verdicts,
		publisher:    publisher,
		maxUsernames: maxUsernames,
		pollInterval: pollInterval,
		logger:       logger.Named("queue"),
		wake:         make(chan struct{}, 1),
	}
}

// Normalize trims whitespace and a leading @, lowercases, and validates a username list
func Normalize(usernames []string, max int) ([]string, error) {
	verr := &apperrors.ValidationError{}
	if len(usernames) == 0 {
		verr.Addf("usernames must not be empty")
		return nil, verr
	}
	if max > 0 && len(usernames) > max {
		verr.Addf("at most %d usernames per job, got %d", max, len(usernames))
	}

	out := make([]string, 0, len(usernames))
	seen := make(map[string]int, len(usernames))
	for i, raw := range usernames {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
		switch {
		case name == "":
			verr.Addf("username at position %d is blank", i)
			continue
		case !usernamePattern.MatchString(name):
			verr.Addf("username %q is not a valid handle", raw)
			continue
		}
		seen[name]++
		if seen[name] == 2 {
			verr.Addf("username %q is listed more than once", name)
		}
		out = append(out, name)
	}

	if verr.HasError() {
		return nil, verr
	}
	return out, nil
}

// Submit validates and enqueues usernames, returning the job id
func (q *Queue) Submit(ctx context.Context, usernames []string) (string, error) {
	return q.enqueue(ctx, usernames, nil)
}

func (q *Queue) enqueue(ctx context.Context, usernames []string, parentID *string) (string, error) {
	names, err := Normalize(usernames, q.maxUsernames)
	if err != nil {
		return "", err
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Usernames:   names,
		Status:      models.JobStatusQueued,
		ParentJobID: parentID,
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return "", err
	}

	q.logger.Info("job submitted", zap.String("job_id", job.ID), zap.Int("usernames", len(names)))
	q.refreshDepth(ctx)
	q.publisher.Publish(ctx, events.Event{Type: events.JobSubmitted, JobID: job.ID, Status: string(job.Status)})
	q.Notify()
	return job.ID, nil
}

// Resubmit enqueues the usernames of a finished job that have no verdict yet.
// With retryErrors, usernames whose check errored or whose profile failed to load are included too;
// profiles that do not exist are never retried.
func (q *Queue) Resubmit(ctx context.Context, jobID string, retryErrors bool) (string, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !job.Status.IsTerminal() {
		return "", fmt.Errorf("job %s is %s: %w", jobID, job.Status, apperrors.ErrJobNotFinished)
	}

	verdicts, err := q.verdicts.Query(ctx, jobID)
	if err != nil {
		return "", err
	}
	resolved := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if retryErrors && retryable(v) {
			continue
		}
		resolved[v.Username] = true
	}

	var remaining []string
	for _, name := range job.Usernames {
		if !resolved[name] {
			remaining = append(remaining, name)
		}
	}
	if len(remaining) == 0 {
		verr := &apperrors.ValidationError{}
		verr.Addf("job %s has no unresolved usernames", jobID)
		return "", verr
	}

	return q.enqueue(ctx, remaining, &jobID)
}

func retryable(v models.Verdict) bool {
	detail := ""
	if v.Detail != nil {
		detail = *v.Detail
	}
	switch {
	case detail == models.DetailNotFound:
		return false
	case detail == models.DetailLoadFailed:
		return true
	default:
		return v.Outcome == models.OutcomeError
	}
}

// Cancel removes a queued job or asks the worker to stop a running one.
// It returns the status the job is in afterwards.
func (q *Queue) Cancel(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}

	switch job.Status {
	case models.JobStatusQueued:
		ok, err := q.jobs.CancelQueued(ctx, jobID)
		if err != nil {
			return "", err
		}
		if ok {
			q.logger.Info("queued job cancelled", zap.String("job_id", jobID))
			q.refreshDepth(ctx)
			q.publisher.Publish(ctx, events.Event{Type: events.JobCancelled, JobID: jobID, Status: string(models.JobStatusCancelled)})
			return models.JobStatusCancelled, nil
		}
		// claimed by the worker in between
		return q.requestCancel(ctx, jobID)
	case models.JobStatusRunning:
		return q.requestCancel(ctx, jobID)
	case models.JobStatusCancelling:
		return models.JobStatusCancelling, nil
	default:
		return job.Status, fmt.Errorf("job %s is %s: %w", jobID, job.Status, apperrors.ErrJobNotCancellable)
	}
}

func (q *Queue) requestCancel(ctx context.Context, jobID string) (models.JobStatus, error) {
	ok, err := q.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return "", err
	}
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok && job.Status.IsTerminal() {
		return job.Status, fmt.Errorf("job %s is %s: %w", jobID, job.Status, apperrors.ErrJobNotCancellable)
	}
	q.logger.Info("cancel requested", zap.String("job_id", jobID))
	return job.Status, nil
}

// IsCancelRequested reports whether the running job has been flagged for cancellation
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == models.JobStatusCancelling, nil
}

// List returns every job in submission order with its queue position
func (q *Queue) List(ctx context.Context) ([]JobView, error) {
	jobs, err := q.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	positions := positionsOf(jobs)

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, JobView{Job: job, Position: positions[job.ID]})
	}
	return views, nil
}

// Status returns a job with its verdicts and outcome counts
func (q *Queue) Status(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	position := 0
	if !job.Status.IsTerminal() {
		pending, err := q.jobs.List(ctx, models.JobStatusRunning, models.JobStatusCancelling, models.JobStatusQueued)
		if err != nil {
			return nil, err
		}
		position = positionsOf(pending)[jobID]
	}

	verdicts, err := q.verdicts.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summary, err := q.verdicts.CountByOutcome(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &JobDetail{
		JobView:  JobView{Job: *job, Position: position},
		Verdicts: verdicts,
		Summary:  summary,
	}, nil
}

// positionsOf numbers unfinished jobs: the running job first, queued jobs after it in FIFO order
func positionsOf(jobs []models.Job) map[string]int {
	var pending []models.Job
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			pending = append(pending, job)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ri := pending[i].Status != models.JobStatusQueued
		rj := pending[j].Status != models.JobStatusQueued
		if ri != rj {
			return ri
		}
		return pending[i].Seq < pending[j].Seq
	})

	positions := make(map[string]int, len(pending))
	for i, job := range pending {
		positions[job.ID] = i + 1
	}
	return positions
}

// Notify wakes a worker blocked in Next
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a queued job can be claimed or ctx is done.
// Submissions from this process wake it at once; others are seen on the next poll.
func (q *Queue) Next(ctx context.Context) (*models.Job, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.claimNext(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) claimNext(ctx context.Context) (*models.Job, error) {
	for {
		next, err := q.jobs.NextQueued(ctx)
		if err != nil || next == nil {
			return nil, err
		}
		ok, err := q.jobs.Claim(ctx, next.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			q.refreshDepth(ctx)
			return q.jobs.GetByID(ctx, next.ID)
		}
		// another job is running, or this one was cancelled meanwhile
		running, err := q.jobs.List(ctx, models.JobStatusRunning, models.JobStatusCancelling)
		if err != nil {
			return nil, err
		}
		if len(running) > 0 {
			return nil, nil
		}
	}
}

// RecoverInterrupted fails jobs a previous process left running and refreshes the depth gauge
func (q *Queue) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := q.jobs.MarkInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("marked interrupted jobs as failed", zap.Int64("count", n))
	}

	q.refreshDepth(ctx)
	return n, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.jobs.CountByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		q.logger.Warn("failed to count queued jobs", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(float64(n))
}

// IsValidation reports whether err is a submission problem the caller can fix
func IsValidation(err error) bool {
	var verr *apperrors.ValidationError
	return errors.As(err, &verr)
}
