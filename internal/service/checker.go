package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/appium"
	"github.com/vipul43/warncheck/internal/events"
	"github.com/vipul43/warncheck/internal/evidence"
	"github.com/vipul43/warncheck/internal/metrics"
	"github.com/vipul43/warncheck/internal/models"
)

type Stage string

const (
	StageIdle               Stage = "idle"
	StageLoggingIn          Stage = "logging_in"
	StageNavigatingToTarget Stage = "navigating_to_target"
	StageInitiatingFollow   Stage = "initiating_follow"
	StageObservingDialog    Stage = "observing_dialog"
	StageClassifying        Stage = "classifying"
	StageReverting          Stage = "reverting"
	StageDone               Stage = "done"
)

const (
	profileLoadAttempts = 3
	followButtonPolls   = 10
	popupRounds         = 3
	revertTimeout       = 30 * time.Second
)

// Device is the part of the device session controller the checker drives
type Device interface {
	Address() string
	HealthCheck(ctx context.Context) error
	OpenURL(ctx context.Context, url, pkg string) error
	ClearAppData(ctx context.Context, pkg string) error
}

// SessionFactory creates automation driver sessions
type SessionFactory interface {
	NewSession(ctx context.Context, caps appium.Capabilities) (appium.Session, error)
}

// AccountManager is the account pool as seen by the checker
type AccountManager interface {
	Cap() int
	Select(ctx context.Context) (*models.Account, error)
	Switch(ctx context.Context, current string) (*models.Account, error)
	RecordUse(ctx context.Context, accountID string, consumed bool) (*models.Account, error)
	HasBudget(acc *models.Account) bool
	MarkLockedOut(ctx context.Context, accountID, reason string) error
	Release(ctx context.Context, accountID string) error
}

// VerdictLedger interface for the result ledger
type VerdictLedger interface {
	Append(ctx context.Context, verdict *models.Verdict) error
	Query(ctx context.Context, jobID string) ([]models.Verdict, error)
}

// JobTracker records progress on the running job
type JobTracker interface {
	UpdateProgress(ctx context.Context, jobID string, processed int) error
	SetAssignedAccount(ctx context.Context, jobID string, accountID *string) error
}

// CancelSignal exposes the cooperative cancellation flag
type CancelSignal interface {
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}

// CredentialSource resolves an account's credential reference to its password
type CredentialSource interface {
	Password(credentialRef string) (string, bool)
}

type CheckerOptions struct {
	DialogTimeout time.Duration
	CheckDelay    time.Duration
	RestartEvery  int
	PollInterval  time.Duration
	StepDelay     time.Duration
}

type CheckerDeps struct {
	Device      Device
	Sessions    SessionFactory
	Pool        AccountManager
	Ledger      VerdictLedger
	Jobs        JobTracker
	Cancel      CancelSignal
	Credentials CredentialSource
	Evidence    evidence.Store
	Publisher   events.Publisher
}

// RunResult is how a job ended; Err carries the cause of a failure
type RunResult struct {
	Status    models.JobStatus
	Processed int
	Err       error
}

// Checker drives the device through the per-username check sequence.
// It is owned by the single worker and is not safe for concurrent use.
type Checker struct {
	CheckerDeps
	opts   CheckerOptions
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	stage      Stage
	session    appium.Session
	loggedInAs string
}

func NewChecker(deps CheckerDeps, opts CheckerOptions, logger *zap.Logger) *Checker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	return &Checker{
		CheckerDeps: deps,
		opts:        opts,
		logger:      logger.Named("checker"),
		sleep:       sleepCtx,
		stage:       StageIdle,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stage reports where the state machine currently is
func (c *Checker) Stage() Stage {
	return c.stage
}

func failed(processed int, err error) RunResult {
	return RunResult{Status: models.JobStatusFailed, Processed: processed, Err: err}
}

// Run checks every username of a claimed job on the connected device
func (c *Checker) Run(ctx context.Context, job *models.Job) RunResult {
	logger := c.logger.With(zap.String("job_id", job.ID))
	c.stage = StageIdle

	existing, err := c.Ledger.Query(ctx, job.ID)
	if err != nil {
		return failed(0, err)
	}
	resolved := make(map[string]bool, len(existing))
	for _, v := range existing {
		resolved[v.Username] = true
	}
	processed := len(resolved)

	if err := c.openSession(ctx); err != nil {
		return failed(processed, fmt.Errorf("%w: %v", apperrors.ErrDeviceUnreachable, err))
	}
	defer c.closeSession()

	acc, err := c.Pool.Select(ctx)
	if err != nil {
		return failed(processed, err)
	}
	defer func() { c.release(acc.ID) }()

	if err := c.assign(ctx, job.ID, acc); err != nil {
		return failed(processed, err)
	}
	if err := c.login(ctx, acc); err != nil {
		return c.loginFailed(ctx, processed, acc, err)
	}

	checked := 0
	for i, username := range job.Usernames {
		if resolved[username] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return failed(processed, err)
		}

		cancelled, err := c.Cancel.IsCancelRequested(ctx, job.ID)
		if err != nil {
			return failed(processed, err)
		}
		if cancelled {
			logger.Info("job cancelled", zap.Int("processed", processed))
			return RunResult{Status: models.JobStatusCancelled, Processed: processed}
		}

		if err := c.Device.HealthCheck(ctx); err != nil {
			return failed(processed, err)
		}
		if err := c.ensureSession(ctx, checked); err != nil {
			return failed(processed, fmt.Errorf("%w: %v", apperrors.ErrDeviceUnreachable, err))
		}

		record := func(v *models.Verdict) error {
			return c.record(ctx, logger, job.ID, i, v, &processed)
		}
		for {
			if !c.Pool.HasBudget(acc) {
				next, err := c.switchAccount(ctx, job.ID, acc)
				if next != nil {
					acc = next
				}
				if err != nil {
					return c.loginFailed(ctx, processed, acc, err)
				}
			}
			err = c.checkOne(ctx, job.ID, acc, username, record)
			if errors.Is(err, apperrors.ErrCapReached) {
				continue
			}
			break
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrAccountAuthFailure) {
				return c.loginFailed(ctx, processed, acc, err)
			}
			return failed(processed, err)
		}
		checked++

		if i < len(job.Usernames)-1 {
			if err := c.sleep(ctx, c.opts.CheckDelay); err != nil {
				return failed(processed, err)
			}
		}
	}

	c.stage = StageIdle
	return RunResult{Status: models.JobStatusCompleted, Processed: processed}
}

// record appends a classified verdict and advances job progress, ignoring cancellation of ctx
func (c *Checker) record(ctx context.Context, logger *zap.Logger, jobID string, pos int, v *models.Verdict, processed *int) error {
	ctx = context.WithoutCancel(ctx)
	v.Position = pos
	if err := c.Ledger.Append(ctx, v); err != nil {
		return err
	}
	*processed++
	if err := c.Jobs.UpdateProgress(ctx, jobID, *processed); err != nil {
		return err
	}

	metrics.VerdictsTotal.WithLabelValues(string(v.Outcome)).Inc()
	c.Publisher.Publish(ctx, events.Event{
		Type:     events.VerdictAdded,
		JobID:    jobID,
		Username: v.Username,
		Outcome:  string(v.Outcome),
	})
	fields := []zap.Field{zap.String("username", v.Username), zap.String("outcome", string(v.Outcome))}
	if v.AccountID != nil {
		fields = append(fields, zap.String("account", *v.AccountID))
	}
	logger.Info("verdict recorded", fields...)
	return nil
}

// loginFailed locks the account on an authentication failure; anything else fails the job as is
func (c *Checker) loginFailed(ctx context.Context, processed int, acc *models.Account, err error) RunResult {
	if !errors.Is(err, apperrors.ErrAccountAuthFailure) {
		return failed(processed, err)
	}
	c.loggedInAs = ""
	if lockErr := c.Pool.MarkLockedOut(ctx, acc.ID, err.Error()); lockErr != nil {
		return failed(processed, lockErr)
	}
	return failed(processed, fmt.Errorf("%w: %s: %v", apperrors.ErrAccountUnavailable, acc.ID, err))
}

func (c *Checker) assign(ctx context.Context, jobID string, acc *models.Account) error {
	id := acc.ID
	return c.Jobs.SetAssignedAccount(ctx, jobID, &id)
}

func (c *Checker) release(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
	defer cancel()
	if err := c.Pool.Release(ctx, accountID); err != nil {
		c.logger.Error("failed to release account", zap.String("account", accountID), zap.Error(err))
	}
}

// touch records a use of acc and refreshes it with the saved ledger state
func (c *Checker) touch(ctx context.Context, acc *models.Account, consumed bool) error {
	updated, err := c.Pool.RecordUse(ctx, acc.ID, consumed)
	if updated != nil {
		*acc = *updated
	}
	return err
}

// switchAccount signs out the capped account and signs in the next one
func (c *Checker) switchAccount(ctx context.Context, jobID string, acc *models.Account) (*models.Account, error) {
	next, err := c.Pool.Switch(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("switching account",
		zap.String("job_id", jobID),
		zap.String("from", acc.ID),
		zap.String("to", next.ID))

	if err := c.assign(ctx, jobID, next); err != nil {
		return next, err
	}
	return next, c.login(ctx, next)
}

func (c *Checker) openSession(ctx context.Context) error {
	sess, err := c.Sessions.NewSession(ctx, appium.Capabilities{
		DeviceName:  c.Device.Address(),
		AppPackage:  appPackage,
		AppActivity: appActivity,
	})
	if err != nil {
		return err
	}
	c.session = sess
	return nil
}

func (c *Checker) closeSession() {
	if c.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
	defer cancel()
	if err := c.session.Close(ctx); err != nil {
		c.logger.Warn("failed to close automation session", zap.Error(err))
	}
	c.session = nil
}

// ensureSession replaces a dead session, and restarts a live one every RestartEvery checks
func (c *Checker) ensureSession(ctx context.Context, checked int) error {
	restart := c.opts.RestartEvery > 0 && checked > 0 && checked%c.opts.RestartEvery == 0
	if !restart {
		if _, err := c.session.CurrentActivity(ctx); err == nil {
			return nil
		}
		c.logger.Warn("automation session lost, recreating")
	} else {
		c.logger.Info("restarting automation session", zap.Int("checked", checked))
	}

	c.closeSession()
	if err := c.openSession(ctx); err != nil {
		return err
	}
	c.goHome(ctx)
	return nil
}

func (c *Checker) goHome(ctx context.Context) {
	if err := c.session.StartActivity(ctx, appPackage, appActivity); err != nil {
		c.logger.Debug("failed to return home", zap.Error(err))
	}
	_ = c.sleep(ctx, c.opts.StepDelay)
}

func (c *Checker) dismissPopups(ctx context.Context) {
	for round := 0; round < popupRounds; round++ {
		dismissed := false
		for _, label := range popupLabels {
			btn, err := c.session.FindElement(ctx, appium.ByXPath, xpathPopup(label))
			if err != nil {
				continue
			}
			if err := c.session.Click(ctx, btn); err == nil {
				dismissed = true
				_ = c.sleep(ctx, c.opts.StepDelay)
				break
			}
		}
		if !dismissed {
			return
		}
	}
}

// login signs acc into the app unless it already is
func (c *Checker) login(ctx context.Context, acc *models.Account) error {
	c.stage = StageLoggingIn
	if c.loggedInAs == acc.ID {
		return nil
	}

	password, ok := c.Credentials.Password(acc.CredentialRef)
	if !ok {
		return fmt.Errorf("%w: no credential configured for %s", apperrors.ErrAccountAuthFailure, acc.ID)
	}
	if err := c.touch(ctx, acc, false); err != nil {
		return err
	}

	c.loggedInAs = ""
	if err := c.Device.ClearAppData(ctx, appPackage); err != nil {
		return fmt.Errorf("failed to sign out previous account: %w", err)
	}
	c.goHome(ctx)

	if entry, err := c.session.FindElement(ctx, appium.ByXPath, xpathLoginEntry); err == nil {
		_ = c.session.Click(ctx, entry)
		_ = c.sleep(ctx, c.opts.StepDelay)
	}

	if err := c.fill(ctx, xpathUsernameField, acc.CredentialRef); err != nil {
		return fmt.Errorf("%w: username field: %v", apperrors.ErrAutomationTimeout, err)
	}
	if err := c.fill(ctx, xpathPasswordField, password); err != nil {
		return fmt.Errorf("%w: password field: %v", apperrors.ErrAutomationTimeout, err)
	}
	btn, err := c.session.FindElement(ctx, appium.ByXPath, xpathLoginButton)
	if err != nil {
		return fmt.Errorf("%w: login button: %v", apperrors.ErrAutomationTimeout, err)
	}
	if err := c.session.Click(ctx, btn); err != nil {
		return fmt.Errorf("failed to submit login: %w", err)
	}
	if err := c.sleep(ctx, 5*c.opts.StepDelay); err != nil {
		return err
	}
	c.dismissPopups(ctx)

	src, err := c.session.Source(ctx)
	if err != nil {
		return fmt.Errorf("failed to read screen after login: %w", err)
	}
	switch {
	case containsAny(src, challengePatterns):
		return fmt.Errorf("%w: challenge required", apperrors.ErrAccountAuthFailure)
	case containsAny(src, loginFailurePatterns):
		return fmt.Errorf("%w: credentials rejected", apperrors.ErrAccountAuthFailure)
	}
	if _, err := c.session.FindElement(ctx, appium.ByXPath, xpathUsernameField); err == nil {
		return fmt.Errorf("%w: login form still shown", apperrors.ErrAccountAuthFailure)
	}

	c.loggedInAs = acc.ID
	c.logger.Info("logged in", zap.String("account", acc.ID))
	return nil
}

func (c *Checker) fill(ctx context.Context, xpath, text string) error {
	el, err := c.session.FindElement(ctx, appium.ByXPath, xpath)
	if err != nil {
		return err
	}
	if err := c.session.Clear(ctx, el); err != nil {
		return err
	}
	return c.session.SendKeys(ctx, el, text)
}

type profileState int

const (
	profileLoaded profileState = iota
	profileNotFound
	profileLoadFailed
)

// openProfile navigates to the target's profile, retrying blank loads
func (c *Checker) openProfile(ctx context.Context, username string) (profileState, error) {
	url := profileURLPrefix + username
	var lastErr error
	for attempt := 1; attempt <= profileLoadAttempts; attempt++ {
		if err := c.Device.OpenURL(ctx, url, appPackage); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			_ = c.sleep(ctx, c.opts.StepDelay)
			continue
		}
		if err := c.sleep(ctx, c.opts.StepDelay); err != nil {
			return 0, err
		}

		src, err := c.session.Source(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		switch {
		case containsAny(src, challengePatterns):
			return 0, fmt.Errorf("%w: challenge required", apperrors.ErrAccountAuthFailure)
		case containsAny(src, notFoundPatterns):
			return profileNotFound, nil
		case len(src) > minLoadedSourceLen &&
			(strings.Contains(strings.ToLower(src), username) || strings.Contains(src, "Follow") || strings.Contains(src, "フォロー")):
			return profileLoaded, nil
		}

		c.logger.Debug("profile did not load", zap.String("username", username), zap.Int("attempt", attempt))
		c.goHome(ctx)
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return profileLoadFailed, nil
}

func (c *Checker) findFollowButton(ctx context.Context) (appium.Element, bool) {
	for _, id := range followButtonIDs {
		if el, err := c.session.FindElement(ctx, appium.ByID, id); err == nil {
			return el, true
		}
	}
	return "", false
}

func (c *Checker) label(ctx context.Context, el appium.Element) string {
	if text, err := c.session.Text(ctx, el); err == nil && text != "" {
		return text
	}
	desc, _ := c.session.Attribute(ctx, el, "content-desc")
	return desc
}

// following reports whether the profile's follow button shows Following or Requested
func (c *Checker) following(ctx context.Context) bool {
	el, ok := c.findFollowButton(ctx)
	if !ok {
		return false
	}
	return containsAny(c.label(ctx, el), followingLabels)
}

func (c *Checker) waitForFollowButton(ctx context.Context) {
	for i := 0; i < followButtonPolls; i++ {
		if _, ok := c.findFollowButton(ctx); ok {
			return
		}
		if err := c.sleep(ctx, c.opts.PollInterval); err != nil {
			return
		}
	}
}

// unfollow opens the unfollow confirmation from the follow button and confirms it
func (c *Checker) unfollow(ctx context.Context) {
	el, ok := c.findFollowButton(ctx)
	if !ok {
		var err error
		if el, err = c.session.FindElement(ctx, appium.ByXPath, xpathFollowingButton); err != nil {
			return
		}
	}
	if err := c.session.Click(ctx, el); err != nil {
		return
	}
	_ = c.sleep(ctx, c.opts.StepDelay)

	confirm, err := c.session.FindElement(ctx, appium.ByXPath, xpathUnfollowConfirm)
	if err != nil {
		_ = c.session.Back(ctx)
		return
	}
	_ = c.session.Click(ctx, confirm)
	_ = c.sleep(ctx, c.opts.StepDelay)
}

// tapFollow presses Follow, falling back to text matches and finally a coordinate tap
func (c *Checker) tapFollow(ctx context.Context) error {
	if el, ok := c.findFollowButton(ctx); ok {
		return c.session.Click(ctx, el)
	}
	for _, xpath := range xpathFollowFallbacks {
		if el, err := c.session.FindElement(ctx, appium.ByXPath, xpath); err == nil {
			return c.session.Click(ctx, el)
		}
	}
	width, _, err := c.session.WindowSize(ctx)
	if err != nil {
		return err
	}
	return c.session.Tap(ctx, width/2, 580)
}

// tapTop taps above a bottom sheet, which closes it
func (c *Checker) tapTop(ctx context.Context) {
	width, _, err := c.session.WindowSize(ctx)
	if err != nil {
		return
	}
	_ = c.session.Tap(ctx, width/2, 200)
	_ = c.sleep(ctx, c.opts.StepDelay)
}

func (c *Checker) dismissPending(ctx context.Context) {
	if ok, err := c.session.FindElement(ctx, appium.ByXPath, xpathOKButton); err == nil {
		if err := c.session.Click(ctx, ok); err == nil {
			_ = c.sleep(ctx, c.opts.StepDelay)
			return
		}
	}
	c.tapTop(ctx)
}

// observe polls the screen until the warning shows, the follow goes through, or the timeout passes
func (c *Checker) observe(ctx context.Context) (bool, error) {
	polls := int(c.opts.DialogTimeout / c.opts.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		src, err := c.session.Source(ctx)
		if err != nil {
			return false, err
		}
		if containsAny(src, warningPatterns) {
			return true, nil
		}
		if containsAny(src, pendingPatterns) {
			c.dismissPending(ctx)
			continue
		}
		if c.following(ctx) {
			return false, nil
		}
		if err := c.sleep(ctx, c.opts.PollInterval); err != nil {
			return false, err
		}
	}
	return false, apperrors.ErrAutomationTimeout
}

func (c *Checker) warningDetails(ctx context.Context) string {
	var details []string
	for _, xpath := range []string{xpathDateJoined, xpathBasedIn} {
		el, err := c.session.FindElement(ctx, appium.ByXPath, xpath)
		if err != nil {
			continue
		}
		if text, err := c.session.Text(ctx, el); err == nil && text != "" {
			details = append(details, text)
		}
	}
	return strings.Join(details, " | ")
}

func (c *Checker) captureEvidence(ctx context.Context, jobID, username string) *string {
	png, err := c.session.Screenshot(ctx)
	if err != nil {
		c.logger.Warn("failed to capture screenshot", zap.String("username", username), zap.Error(err))
		return nil
	}
	ref, err := c.Evidence.Save(ctx, jobID, username, png)
	if err != nil {
		c.logger.Warn("failed to store screenshot", zap.String("username", username), zap.Error(err))
		return nil
	}
	return &ref
}

// revert closes the warning sheet and undoes the follow so the target is left as it was
func (c *Checker) revert(ctx context.Context, warned bool) {
	c.stage = StageReverting
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
	defer cancel()

	if warned {
		c.tapTop(ctx)
	}
	if c.following(ctx) {
		c.unfollow(ctx)
	}
	c.goHome(ctx)
}

func detail(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// checkOne runs the per-username sequence, classifies the result and hands the verdict to record
// before the follow is reverted.
// Only authentication, cap, persistence and cancellation problems are returned as errors;
// everything else becomes an error or unknown verdict.
func (c *Checker) checkOne(ctx context.Context, jobID string, acc *models.Account, username string, record func(*models.Verdict) error) error {
	accountID := acc.ID
	v := &models.Verdict{JobID: jobID, Username: username, AccountID: &accountID}

	c.stage = StageNavigatingToTarget
	if err := c.touch(ctx, acc, false); err != nil {
		return err
	}
	state, err := c.openProfile(ctx, username)
	switch {
	case errors.Is(err, apperrors.ErrAccountAuthFailure), ctx.Err() != nil:
		if err == nil {
			err = ctx.Err()
		}
		return err
	case err != nil:
		c.goHome(ctx)
		v.Outcome, v.Detail = models.OutcomeError, detail(err.Error())
		return record(v)
	case state == profileNotFound:
		c.goHome(ctx)
		v.Outcome, v.Detail = models.OutcomeError, detail(models.DetailNotFound)
		return record(v)
	case state == profileLoadFailed:
		v.Outcome, v.Detail = models.OutcomeUnknown, detail(models.DetailLoadFailed)
		return record(v)
	}

	c.stage = StageInitiatingFollow
	c.waitForFollowButton(ctx)
	if c.following(ctx) {
		c.unfollow(ctx)
	}
	if err := c.touch(ctx, acc, true); err != nil {
		c.goHome(ctx)
		return err
	}
	if err := c.tapFollow(ctx); err != nil {
		c.revert(ctx, false)
		v.Outcome, v.Detail = models.OutcomeError, detail(err.Error())
		return record(v)
	}
	_ = c.sleep(ctx, c.opts.StepDelay)

	c.stage = StageObservingDialog
	warned, err := c.observe(ctx)

	c.stage = StageClassifying
	switch {
	case errors.Is(err, apperrors.ErrAutomationTimeout):
		v.Outcome, v.Detail = models.OutcomeUnknown, detail(models.DetailDialogTimeout)
	case err != nil:
		v.Outcome, v.Detail = models.OutcomeError, detail(err.Error())
	case warned:
		v.Outcome, v.Detail = models.OutcomeWarned, detail(c.warningDetails(ctx))
		v.EvidenceRef = c.captureEvidence(ctx, jobID, username)
	default:
		v.Outcome = models.OutcomeClean
	}
	recordErr := record(v)

	c.revert(ctx, warned)
	c.stage = StageDone

	if recordErr != nil {
		return recordErr
	}
	return ctx.Err()
}
