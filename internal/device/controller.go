package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/config"
	"github.com/vipul43/warncheck/internal/metrics"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// connection tracks one connect or reconnect handshake
type connection struct {
	attempts     int
	lastErr      error
	backoffUntil time.Time
}

type Options struct {
	Address          string
	MaxAttempts      int
	RetryDelay       time.Duration
	Recovery         string
	RestartThreshold int
}

// Controller owns the connection to the single automation device
type Controller struct {
	bridge Bridge
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	state State

	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(bridge Bridge, opts Options, logger *zap.Logger) *Controller {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Controller{
		bridge: bridge,
		opts:   opts,
		logger: logger.Named("device"),
		state:  StateDisconnected,
		sleep:  sleepCtx,
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

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Address is the bridge address of the device
func (c *Controller) Address() string {
	return c.opts.Address
}

// Connect runs the bridge handshake with bounded attempts.
// It returns an error wrapping ErrDeviceUnreachable once the attempts are exhausted.
func (c *Controller) Connect(ctx context.Context) error {
	if c.State() != StateReconnecting {
		c.setState(StateConnecting)
	}
	cs := connection{}

	if c.opts.Recovery == config.RecoveryRestartFirst {
		c.restartBridge(ctx)
	}

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		cs.attempts = attempt
		err := c.handshake(ctx)
		if err == nil {
			metrics.ConnectAttemptsTotal.WithLabelValues("success").Inc()
			c.setState(StateConnected)
			c.logger.Info("device connected", zap.String("address", c.opts.Address), zap.Int("attempt", attempt))
			return nil
		}
		metrics.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		cs.lastErr = err

		if ctx.Err() != nil {
			break
		}
		fields := []zap.Field{
			zap.String("address", c.opts.Address),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxAttempts),
			zap.Error(err),
		}
		if attempt < c.opts.MaxAttempts {
			cs.backoffUntil = time.Now().Add(c.opts.RetryDelay)
			fields = append(fields, zap.Time("retry_at", cs.backoffUntil))
		}
		c.logger.Warn("device handshake failed", fields...)

		if c.opts.Recovery == config.RecoveryKillOnFailure && attempt == c.opts.RestartThreshold && attempt < c.opts.MaxAttempts {
			c.restartBridge(ctx)
		}

		if attempt < c.opts.MaxAttempts {
			if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
				break
			}
		}
	}

	c.setState(StateDisconnected)

	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Error("device unreachable",
		zap.String("address", c.opts.Address),
		zap.Int("attempts", cs.attempts),
		zap.Error(cs.lastErr))
	return fmt.Errorf("%w: %s after %d attempts: %v", apperrors.ErrDeviceUnreachable, c.opts.Address, cs.attempts, cs.lastErr)
}

// handshake connects and confirms the device is enumerated
func (c *Controller) handshake(ctx context.Context) error {
	out, err := c.bridge.Connect(ctx, c.opts.Address)
	if err != nil {
		return err
	}
	reply := strings.ToLower(strings.TrimSpace(out))
	if !strings.HasPrefix(reply, "connected to") && !strings.Contains(reply, "already connected") {
		return fmt.Errorf("unexpected handshake reply: %s", strings.TrimSpace(out))
	}
	return c.listed(ctx)
}

func (c *Controller) listed(ctx context.Context) error {
	devices, err := c.bridge.Devices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d == c.opts.Address {
			return nil
		}
	}
	return errors.New("device not listed by bridge")
}

func (c *Controller) restartBridge(ctx context.Context) {
	c.logger.Warn("restarting device bridge", zap.String("recovery", c.opts.Recovery))
	metrics.BridgeRestartsTotal.Inc()
	if err := c.bridge.KillServer(ctx); err != nil {
		c.logger.Warn("failed to kill bridge server", zap.Error(err))
	}
	if err := c.bridge.StartServer(ctx); err != nil {
		c.logger.Warn("failed to start bridge server", zap.Error(err))
	}
}

// HealthCheck confirms the device is still listed, reconnecting when it is not
func (c *Controller) HealthCheck(ctx context.Context) error {
	if c.State() == StateConnected {
		err := c.listed(ctx)
		if err == nil {
			return nil
		}
		c.logger.Warn("device health check failed", zap.Error(err))
	}
	c.setState(StateReconnecting)
	return c.Connect(ctx)
}

// OpenURL asks the device to open a link in the given app
func (c *Controller) OpenURL(ctx context.Context, url, pkg string) error {
	_, err := c.bridge.Shell(ctx, c.opts.Address, "am", "start", "-a", "android.intent.action.VIEW", "-d", url, "-p", pkg)
	return err
}

// ClearAppData wipes an app's data, which also signs out any logged-in account
func (c *Controller) ClearAppData(ctx context.Context, pkg string) error {
	_, err := c.bridge.Shell(ctx, c.opts.Address, "pm", "clear", pkg)
	return err
}

// Teardown drops the bridge connection. It is safe to call in any state.
func (c *Controller) Teardown(ctx context.Context) {
	if c.State() == StateDisconnected {
		return
	}
	if err := c.bridge.Disconnect(ctx, c.opts.Address); err != nil {
		c.logger.Warn("failed to disconnect device", zap.Error(err))
	}
	c.setState(StateDisconnected)
}
