package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/appium"
	"github.com/vipul43/warncheck/internal/models"
)

type fakeProfile struct {
	missing   bool
	blank     bool
	warned    bool
	noSignal  bool
	following bool
}

// fakeDevice models the app's screens closely enough to drive the checker.
// It serves as the device, the session factory and the session.
type fakeDevice struct {
	profiles  map[string]*fakeProfile
	passwords map[string]string

	screen     string
	target     string
	loggedIn   string
	loginError bool
	typed      map[appium.Element]string

	sessions   int
	sessionErr error
	follows    []string
	unfollows  []string
	clears     int

	// HealthCheck fails from call number offlineAfter+1 on
	offlineAfter int
	healthChecks int
}

func newFakeDevice(passwords map[string]string) *fakeDevice {
	accepted := make(map[string]string, len(passwords))
	for user, pw := range passwords {
		accepted[user] = pw
	}
	return &fakeDevice{
		profiles:  map[string]*fakeProfile{},
		passwords: accepted,
		screen:    "login",
		typed:     map[appium.Element]string{},
	}
}

func (f *fakeDevice) profile() *fakeProfile {
	p, ok := f.profiles[f.target]
	if !ok {
		p = &fakeProfile{}
		f.profiles[f.target] = p
	}
	return p
}

// Device

func (f *fakeDevice) Address() string { return "emulator:5555" }

func (f *fakeDevice) HealthCheck(context.Context) error {
	f.healthChecks++
	if f.offlineAfter > 0 && f.healthChecks > f.offlineAfter {
		return fmt.Errorf("%w: %s: device offline", apperrors.ErrDeviceUnreachable, f.Address())
	}
	return nil
}

func (f *fakeDevice) OpenURL(_ context.Context, url, _ string) error {
	f.target = strings.TrimPrefix(url, profileURLPrefix)
	f.screen = "profile"
	return nil
}

func (f *fakeDevice) ClearAppData(context.Context, string) error {
	f.clears++
	f.loggedIn = ""
	f.loginError = false
	f.screen = "login"
	return nil
}

// SessionFactory

func (f *fakeDevice) NewSession(context.Context, appium.Capabilities) (appium.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions++
	return f, nil
}

// Session

func (f *fakeDevice) FindElement(_ context.Context, by appium.By, value string) (appium.Element, error) {
	switch {
	case by == appium.ByID && value == followButtonIDs[0] && f.screen == "profile":
		p := f.profile()
		if !p.missing && !p.blank {
			return "follow", nil
		}
	case value == xpathUsernameField && f.screen == "login":
		return "username", nil
	case value == xpathPasswordField && f.screen == "login":
		return "password", nil
	case value == xpathLoginButton && f.screen == "login":
		return "login", nil
	case value == xpathUnfollowConfirm && f.screen == "unfollow":
		return "unfollow", nil
	case value == xpathDateJoined && f.screen == "warning":
		return "date_joined", nil
	case value == xpathBasedIn && f.screen == "warning":
		return "based_in", nil
	}
	return "", appium.ErrNoSuchElement
}

func (f *fakeDevice) Click(_ context.Context, el appium.Element) error {
	switch el {
	case "login":
		user := f.typed["username"]
		if pw, ok := f.passwords[user]; ok && pw == f.typed["password"] {
			f.loggedIn = user
			f.screen = "home"
		} else {
			f.loginError = true
		}
	case "follow":
		p := f.profile()
		switch {
		case p.following:
			f.screen = "unfollow"
		case p.noSignal:
		case p.warned:
			p.following = true
			f.follows = append(f.follows, f.target)
			f.screen = "warning"
		default:
			p.following = true
			f.follows = append(f.follows, f.target)
		}
	case "unfollow":
		f.profile().following = false
		f.unfollows = append(f.unfollows, f.target)
		f.screen = "profile"
	}
	return nil
}

func (f *fakeDevice) Clear(_ context.Context, el appium.Element) error {
	f.typed[el] = ""
	return nil
}

func (f *fakeDevice) SendKeys(_ context.Context, el appium.Element, text string) error {
	f.typed[el] += text
	return nil
}

func (f *fakeDevice) Text(_ context.Context, el appium.Element) (string, error) {
	switch el {
	case "follow":
		if f.profile().following {
			return "Following", nil
		}
		return "Follow", nil
	case "date_joined":
		return "Date joined: May 2024", nil
	case "based_in":
		return "Account based in: Japan", nil
	}
	return "", nil
}

func (f *fakeDevice) Attribute(context.Context, appium.Element, string) (string, error) {
	return "", nil
}

var filler = strings.Repeat(`<node class="android.view.View" bounds="[0,0][1080,2400]"/>`, 30)

func (f *fakeDevice) Source(context.Context) (string, error) {
	switch f.screen {
	case "login":
		if f.loginError {
			return filler + "Incorrect password", nil
		}
		return filler, nil
	case "profile":
		p := f.profile()
		switch {
		case p.blank:
			return "<FrameLayout/>", nil
		case p.missing:
			return filler + "Sorry, this page isn't available", nil
		}
		return filler + f.target + " posts followers", nil
	case "warning":
		return filler + "Review this account before following", nil
	}
	return filler, nil
}

func (f *fakeDevice) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakeDevice) WindowSize(context.Context) (int, int, error) { return 1080, 2400, nil }

func (f *fakeDevice) Tap(context.Context, int, int) error {
	if f.screen == "warning" {
		f.screen = "profile"
	}
	return nil
}

func (f *fakeDevice) Back(context.Context) error {
	f.screen = "profile"
	return nil
}

func (f *fakeDevice) StartActivity(context.Context, string, string) error {
	if f.loggedIn == "" {
		f.screen = "login"
	} else {
		f.screen = "home"
	}
	return nil
}

func (f *fakeDevice) CurrentActivity(context.Context) (string, error) {
	return ".activity.MainTabActivity", nil
}

func (f *fakeDevice) Close(context.Context) error { return nil }

type memLedger struct {
	verdicts []models.Verdict
	err      error
}

func (m *memLedger) Append(_ context.Context, v *models.Verdict) error {
	if m.err != nil {
		return m.err
	}
	m.verdicts = append(m.verdicts, *v)
	return nil
}

func (m *memLedger) Query(_ context.Context, jobID string) ([]models.Verdict, error) {
	var out []models.Verdict
	for _, v := range m.verdicts {
		if v.JobID == jobID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memLedger) byUsername() map[string]models.Verdict {
	out := make(map[string]models.Verdict, len(m.verdicts))
	for _, v := range m.verdicts {
		out[v.Username] = v
	}
	return out
}

type mockJobTracker struct {
	processed int
	assigned  []string
}

func (m *mockJobTracker) UpdateProgress(_ context.Context, _ string, processed int) error {
	m.processed = processed
	return nil
}

func (m *mockJobTracker) SetAssignedAccount(_ context.Context, _ string, accountID *string) error {
	m.assigned = append(m.assigned, *accountID)
	return nil
}

// cancelAfter reports a cancel request once it has been asked n times
type cancelAfter struct {
	n     int
	calls int
}

func (c *cancelAfter) IsCancelRequested(context.Context, string) (bool, error) {
	c.calls++
	return c.n > 0 && c.calls > c.n, nil
}

type credentialMap map[string]string

func (m credentialMap) Password(ref string) (string, bool) {
	pw, ok := m[ref]
	return pw, ok
}

type memEvidence struct {
	saved  []string
	onSave func()
}

func (m *memEvidence) Save(_ context.Context, jobID, username string, _ []byte) (string, error) {
	ref := "mem://" + jobID + "/" + username + ".png"
	m.saved = append(m.saved, ref)
	if m.onSave != nil {
		m.onSave()
	}
	return ref, nil
}

type checkerFixture struct {
	checker  *Checker
	device   *fakeDevice
	repo     *mockAccountRepository
	ledger   *memLedger
	jobs     *mockJobTracker
	cancel   *cancelAfter
	evidence *memEvidence
}

func newCheckerFixture(t *testing.T, dailyCap int, accounts ...string) *checkerFixture {
	t.Helper()

	creds := credentialMap{}
	for _, a := range accounts {
		creds[a] = "pw-" + a
	}

	repo := newMockAccountRepository()
	pool := NewAccountPool(repo, dailyCap, time.UTC, zap.NewNop())
	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	pool.now = clock.now
	require.NoError(t, pool.Sync(context.Background(), accounts))

	f := &checkerFixture{
		device:   newFakeDevice(creds),
		repo:     repo,
		ledger:   &memLedger{},
		jobs:     &mockJobTracker{},
		cancel:   &cancelAfter{},
		evidence: &memEvidence{},
	}
	f.checker = NewChecker(CheckerDeps{
		Device:      f.device,
		Sessions:    f.device,
		Pool:        pool,
		Ledger:      f.ledger,
		Jobs:        f.jobs,
		Cancel:      f.cancel,
		Credentials: creds,
		Evidence:    f.evidence,
	}, CheckerOptions{
		DialogTimeout: 3 * time.Second,
		PollInterval:  time.Second,
	}, zap.NewNop())
	f.checker.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return f
}

func testJob(usernames ...string) *models.Job {
	return &models.Job{ID: "job-1", Usernames: models.StringList(usernames), Status: models.JobStatusRunning}
}

func TestChecker_Run_ClassifiesEachUsername(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.profiles["warned_user"] = &fakeProfile{warned: true}
	f.device.profiles["ghost"] = &fakeProfile{missing: true}
	f.device.profiles["blank_user"] = &fakeProfile{blank: true}
	f.device.profiles["silent"] = &fakeProfile{noSignal: true}

	result := f.checker.Run(context.Background(), testJob("clean_user", "warned_user", "ghost", "blank_user", "silent"))

	require.NoError(t, result.Err)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 5, f.jobs.processed)
	assert.Equal(t, StageIdle, f.checker.Stage())

	got := f.ledger.byUsername()
	require.Len(t, got, 5)

	assert.Equal(t, models.OutcomeClean, got["clean_user"].Outcome)
	assert.Equal(t, 0, got["clean_user"].Position)

	warned := got["warned_user"]
	assert.Equal(t, models.OutcomeWarned, warned.Outcome)
	require.NotNil(t, warned.Detail)
	assert.Equal(t, "Date joined: May 2024 | Account based in: Japan", *warned.Detail)
	require.NotNil(t, warned.EvidenceRef)
	assert.Equal(t, "mem://job-1/warned_user.png", *warned.EvidenceRef)

	assert.Equal(t, models.OutcomeError, got["ghost"].Outcome)
	assert.Equal(t, models.DetailNotFound, *got["ghost"].Detail)

	assert.Equal(t, models.OutcomeUnknown, got["blank_user"].Outcome)
	assert.Equal(t, models.DetailLoadFailed, *got["blank_user"].Detail)

	assert.Equal(t, models.OutcomeUnknown, got["silent"].Outcome)
	assert.Equal(t, models.DetailDialogTimeout, *got["silent"].Detail)
	assert.Equal(t, 4, got["silent"].Position)

	for name, p := range f.device.profiles {
		assert.False(t, p.following, "follow on %s was not reverted", name)
	}
	assert.ElementsMatch(t, []string{"clean_user", "warned_user"}, f.device.unfollows)

	acc := f.repo.accounts["checker1"]
	assert.Equal(t, 3, acc.DailyUseCount, "only follow taps count against the cap")
	assert.Equal(t, models.AccountStatusAvailable, acc.Status)
	assert.NotNil(t, acc.LastUsedAt)
}

func TestChecker_Run_UnfollowsBeforeCheckingExistingFollow(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.profiles["friend"] = &fakeProfile{following: true}

	result := f.checker.Run(context.Background(), testJob("friend"))

	require.NoError(t, result.Err)
	assert.Equal(t, models.OutcomeClean, f.ledger.verdicts[0].Outcome)
	assert.Equal(t, []string{"friend"}, f.device.follows)
	assert.Equal(t, []string{"friend", "friend"}, f.device.unfollows)
	assert.False(t, f.device.profiles["friend"].following)
}

func TestChecker_Run_SwitchesAccountAtCap(t *testing.T) {
	f := newCheckerFixture(t, 1, "acct_a", "acct_b", "acct_c")

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo", "charlie"))

	require.NoError(t, result.Err)
	assert.Equal(t, models.JobStatusCompleted, result.Status)
	require.Len(t, f.ledger.verdicts, 3)

	used := map[string]bool{}
	for _, v := range f.ledger.verdicts {
		require.NotNil(t, v.AccountID)
		used[*v.AccountID] = true
	}
	assert.Len(t, used, 3)
	assert.Equal(t, []string{"acct_a", "acct_b", "acct_c"}, f.jobs.assigned)

	for _, id := range []string{"acct_a", "acct_b", "acct_c"} {
		assert.Equal(t, 1, f.repo.accounts[id].DailyUseCount)
		assert.Equal(t, models.AccountStatusCoolingDown, f.repo.accounts[id].Status)
	}
	assert.Equal(t, 3, f.device.clears, "each account signs in on a cleared app")
}

func TestChecker_Run_FailsWhenEveryAccountIsCapped(t *testing.T) {
	f := newCheckerFixture(t, 1, "solo")

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrNoAccountAvailable)
	assert.Equal(t, models.ReasonNoAccountAvailable, apperrors.Reason(result.Err))
	require.Len(t, f.ledger.verdicts, 1)
	assert.Equal(t, "alpha", f.ledger.verdicts[0].Username)
	assert.Equal(t, 1, result.Processed)
}

func TestChecker_Run_AuthFailureLocksAccount(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.passwords["checker1"] = "changed"

	result := f.checker.Run(context.Background(), testJob("alpha"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrAccountUnavailable)
	assert.Equal(t, models.ReasonAccountUnavailable, apperrors.Reason(result.Err))
	assert.Empty(t, f.ledger.verdicts)

	acc := f.repo.accounts["checker1"]
	assert.Equal(t, models.AccountStatusLockedOut, acc.Status)
	require.NotNil(t, acc.LockReason)
	assert.Equal(t, 0, acc.DailyUseCount)
}

func TestChecker_Run_CancelKeepsRecordedVerdicts(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.cancel.n = 2

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo", "charlie"))

	assert.Equal(t, models.JobStatusCancelled, result.Status)
	assert.NoError(t, result.Err)
	assert.Equal(t, 2, result.Processed)
	require.Len(t, f.ledger.verdicts, 2)
	assert.Equal(t, "alpha", f.ledger.verdicts[0].Username)
	assert.Equal(t, "bravo", f.ledger.verdicts[1].Username)
	assert.Equal(t, models.AccountStatusAvailable, f.repo.accounts["checker1"].Status)
}

func TestChecker_Run_SkipsAlreadyRecordedUsernames(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.ledger.verdicts = []models.Verdict{{JobID: "job-1", Username: "alpha", Outcome: models.OutcomeClean}}

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo"))

	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []string{"bravo"}, f.device.follows)
	assert.Equal(t, 1, f.ledger.verdicts[1].Position)
}

func TestChecker_Run_RestartsSessionPeriodically(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.checker.opts.RestartEvery = 2

	result := f.checker.Run(context.Background(), testJob("a1", "a2", "a3", "a4"))

	require.NoError(t, result.Err)
	assert.Equal(t, 2, f.device.sessions)
	assert.Len(t, f.ledger.verdicts, 4)
}

func TestChecker_Run_SessionFailure(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.sessionErr = errors.New("connection refused")

	result := f.checker.Run(context.Background(), testJob("alpha"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.Equal(t, models.ReasonDeviceUnreachable, apperrors.Reason(result.Err))
	assert.Empty(t, f.ledger.verdicts)
	assert.Equal(t, models.AccountStatusAvailable, f.repo.accounts["checker1"].Status)
}

func TestChecker_Run_PersistenceFailureStops(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.ledger.err = apperrors.Persistence("append verdict", errors.New("disk I/O error"))

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrPersistence)
	assert.Equal(t, []string{"alpha"}, f.device.follows)
}

func TestChecker_Run_ShutdownDuringClassificationKeepsVerdict(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.profiles["warned_user"] = &fakeProfile{warned: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.evidence.onSave = cancel

	result := f.checker.Run(ctx, testJob("warned_user", "bravo"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, f.jobs.processed)

	require.Len(t, f.ledger.verdicts, 1)
	v := f.ledger.verdicts[0]
	assert.Equal(t, "warned_user", v.Username)
	assert.Equal(t, models.OutcomeWarned, v.Outcome)
	require.NotNil(t, v.EvidenceRef)
	assert.Equal(t, "mem://job-1/warned_user.png", *v.EvidenceRef)

	assert.Equal(t, []string{"warned_user"}, f.device.follows)
	assert.False(t, f.device.profiles["warned_user"].following, "follow was not reverted")
	assert.Equal(t, 1, f.repo.accounts["checker1"].DailyUseCount)
}

func TestChecker_Run_DeviceLostMidJob(t *testing.T) {
	f := newCheckerFixture(t, 60, "checker1")
	f.device.offlineAfter = 2

	result := f.checker.Run(context.Background(), testJob("alpha", "bravo", "charlie"))

	assert.Equal(t, models.JobStatusFailed, result.Status)
	assert.ErrorIs(t, result.Err, apperrors.ErrDeviceUnreachable)
	assert.Equal(t, models.ReasonDeviceUnreachable, apperrors.Reason(result.Err))
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, f.jobs.processed)

	require.Len(t, f.ledger.verdicts, 2)
	assert.Equal(t, "alpha", f.ledger.verdicts[0].Username)
	assert.Equal(t, "bravo", f.ledger.verdicts[1].Username)
	assert.Equal(t, []string{"alpha", "bravo"}, f.device.follows)
	assert.Equal(t, models.AccountStatusAvailable, f.repo.accounts["checker1"].Status)
}
