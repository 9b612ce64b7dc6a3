package watcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/models"
	"github.com/vipul43/warncheck/internal/service"
)

// mockQueue hands out jobs once each, then cancels the worker's context
type mockQueue struct {
	jobs      []*models.Job
	cancel    context.CancelFunc
	recovered int
}

func (m *mockQueue) RecoverInterrupted(context.Context) (int64, error) {
	m.recovered++
	return 0, nil
}

func (m *mockQueue) Next(ctx context.Context) (*models.Job, error) {
	if len(m.jobs) == 0 {
		m.cancel()
		return nil, ctx.Err()
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	return job, nil
}

type finished struct {
	status    models.JobStatus
	reason    string
	lastError string
}

type mockFinisher struct {
	finished map[string]finished
	err      error
}

func (m *mockFinisher) Finish(_ context.Context, jobID string, status models.JobStatus, reason *string, lastError *string) error {
	if m.err != nil {
		return m.err
	}
	f := finished{status: status}
	if reason != nil {
		f.reason = *reason
	}
	if lastError != nil {
		f.lastError = *lastError
	}
	m.finished[jobID] = f
	return nil
}

type mockSyncer struct{ ids []string }

func (m *mockSyncer) Sync(_ context.Context, ids []string) error {
	m.ids = ids
	return nil
}

type mockDevice struct {
	connectErr error
	connects   int
	teardowns  int
}

func (m *mockDevice) Connect(context.Context) error {
	m.connects++
	return m.connectErr
}

func (m *mockDevice) Teardown(context.Context) { m.teardowns++ }

type mockRunner struct {
	run  func(ctx context.Context, job *models.Job) service.RunResult
	runs int
}

func (m *mockRunner) Run(ctx context.Context, job *models.Job) service.RunResult {
	m.runs++
	return m.run(ctx, job)
}

type recordingPublisher struct{ events []events.Event }

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Close() {}

type fixture struct {
	ctx       context.Context
	queue     *mockQueue
	finisher  *mockFinisher
	syncer    *mockSyncer
	device    *mockDevice
	runner    *mockRunner
	publisher *recordingPublisher
	watcher   *Watcher
}

func newFixture(t *testing.T, jobs ...*models.Job) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		ctx:       ctx,
		queue:     &mockQueue{jobs: jobs, cancel: cancel},
		finisher:  &mockFinisher{finished: map[string]finished{}},
		syncer:    &mockSyncer{},
		device:    &mockDevice{},
		runner:    &mockRunner{run: completed},
		publisher: &recordingPublisher{},
	}
	f.watcher = New(f.queue, f.finisher, f.syncer, []string{"acct_a", "acct_b"}, f.device, f.runner, f.publisher, zap.NewNop())
	return f
}

func completed(context.Context, *models.Job) service.RunResult {
	return service.RunResult{Status: models.JobStatusCompleted}
}

func job(id string) *models.Job {
	return &models.Job{ID: id, Usernames: models.StringList{"alpha"}, Status: models.JobStatusRunning}
}

func TestWatcher_Start_RunsJobsUntilCancelled(t *testing.T) {
	f := newFixture(t, job("j1"), job("j2"))

	err := f.watcher.Start(f.ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.queue.recovered)
	assert.Equal(t, []string{"acct_a", "acct_b"}, f.syncer.ids)
	assert.Equal(t, 2, f.runner.runs)
	assert.Equal(t, 2, f.device.teardowns)
	assert.Equal(t, finished{status: models.JobStatusCompleted}, f.finisher.finished["j1"])
	assert.Equal(t, finished{status: models.JobStatusCompleted}, f.finisher.finished["j2"])

	require.Len(t, f.publisher.events, 4)
	assert.Equal(t, events.JobStarted, f.publisher.events[0].Type)
	assert.Equal(t, events.JobFinished, f.publisher.events[1].Type)
}

func TestWatcher_Start_DeviceUnreachable(t *testing.T) {
	f := newFixture(t, job("j1"))
	f.device.connectErr = fmt.Errorf("30 attempts: %w", apperrors.ErrDeviceUnreachable)

	err := f.watcher.Start(f.ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.runner.runs, "no check runs without a device")
	assert.Zero(t, f.device.teardowns)
	got := f.finisher.finished["j1"]
	assert.Equal(t, models.JobStatusFailed, got.status)
	assert.Equal(t, models.ReasonDeviceUnreachable, got.reason)
	assert.Contains(t, got.lastError, "device unreachable")
}

func TestWatcher_Start_CancelledJob(t *testing.T) {
	f := newFixture(t, job("j1"))
	f.runner.run = func(context.Context, *models.Job) service.RunResult {
		return service.RunResult{Status: models.JobStatusCancelled, Processed: 1}
	}

	_ = f.watcher.Start(f.ctx)

	assert.Equal(t, finished{status: models.JobStatusCancelled}, f.finisher.finished["j1"])
	assert.Equal(t, events.JobCancelled, f.publisher.events[len(f.publisher.events)-1].Type)
}

func TestWatcher_Start_HaltsOnPersistenceFailure(t *testing.T) {
	f := newFixture(t, job("j1"), job("j2"))
	f.runner.run = func(context.Context, *models.Job) service.RunResult {
		return service.RunResult{
			Status: models.JobStatusFailed,
			Err:    apperrors.Persistence("append verdict", errors.New("database is locked")),
		}
	}

	err := f.watcher.Start(f.ctx)

	assert.ErrorIs(t, err, apperrors.ErrPersistence)
	assert.Equal(t, 1, f.runner.runs, "worker stops before the next job")
	assert.Equal(t, models.ReasonPersistenceFailure, f.finisher.finished["j1"].reason)
	assert.NotContains(t, f.finisher.finished, "j2")
}

func TestWatcher_Start_HaltsWhenFinishCannotBeStored(t *testing.T) {
	f := newFixture(t, job("j1"))
	f.finisher.err = apperrors.Persistence("failed to update job status", errors.New("disk full"))

	err := f.watcher.Start(f.ctx)

	assert.ErrorIs(t, err, apperrors.ErrPersistence)
}

func TestWatcher_Start_ShutdownMarksJobInterrupted(t *testing.T) {
	f := newFixture(t, job("j1"))
	f.runner.run = func(ctx context.Context, _ *models.Job) service.RunResult {
		f.queue.cancel()
		return service.RunResult{Status: models.JobStatusFailed, Err: ctx.Err()}
	}

	err := f.watcher.Start(f.ctx)

	assert.ErrorIs(t, err, context.Canceled)
	got := f.finisher.finished["j1"]
	assert.Equal(t, models.JobStatusFailed, got.status)
	assert.Equal(t, models.ReasonInterrupted, got.reason)
	assert.Equal(t, 1, f.device.teardowns)
}
