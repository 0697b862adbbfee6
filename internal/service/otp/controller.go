// internal/service/otp/controller.go
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lifeline-client/internal/domain/auth"
	"lifeline-client/internal/domain/otp"
	"lifeline-client/internal/metrics"
	xerrors "lifeline-client/internal/pkg/errors"

	"go.uber.org/zap"
)

// Service is the remote OTP API.
type Service interface {
	Request(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error)
	Verify(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error)
}

// SessionLogin receives the tokens issued by a successful verification.
type SessionLogin interface {
	Login(ctx context.Context, user auth.CachedUser, tokens auth.TokenPair) error
}

// Listener is called with a copy of the session after every state change.
// A nil session means the controller has none.
type Listener func(s *otp.Session)

type Config struct {
	TTL                time.Duration
	MaxAttempts        int
	CodeLength         int
	CompletionDebounce time.Duration
}

// VerifyError reports a rejected or refused verification together with the
// attempts left.
type VerifyError struct {
	Remaining int
	Message   string
	Err       error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%v (%d attempts remaining)", e.Err, e.Remaining)
}

func (e *VerifyError) Unwrap() error { return e.Err }

type issuedLogin struct {
	user   auth.CachedUser
	tokens auth.TokenPair
}

// Controller drives a single OTP session at a time.
type Controller struct {
	svc     Service
	session SessionLogin
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	sess       *otp.Session
	generation uint64
	requesting bool
	verifying  bool
	completed  bool
	pending    *issuedLogin // tokens not yet handed to the session manager

	expiryTimer     *time.Timer
	completionTimer *time.Timer

	onComplete  func(s otp.Session)
	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewController(svc Service, session SessionLogin, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.CompletionDebounce <= 0 {
		cfg.CompletionDebounce = 400 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		svc:     svc,
		session: session,
		cfg:     cfg,
		logger:  logger.Named("otp"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// OnComplete sets the callback fired once, after the debounce delay, when a
// session is verified. Closing the session before it fires suppresses it.
func (c *Controller) OnComplete(fn func(s otp.Session)) {
	c.mu.Lock()
	c.onComplete = fn
	c.mu.Unlock()
}

func (c *Controller) Subscribe(l Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

// ========== Request ==========

// Request asks the OTP service to deliver a code and starts a fresh session.
// A second call for the same identifier while one is in flight is a no-op,
// and so is one for a session that is already verified. A session for the
// same identifier and purpose survives a failed request unchanged.
func (c *Controller) Request(ctx context.Context, identifier string, purpose otp.Purpose) (otp.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return otp.Session{}, xerrors.ErrEmptyIdentifier
	}
	if !purpose.Valid() {
		return otp.Session{}, fmt.Errorf("%w: %q", xerrors.ErrInvalidPurpose, purpose)
	}

	c.mu.Lock()
	if c.requesting {
		same := c.sess != nil && c.sess.Identifier == identifier
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if same {
			return deref(snap), nil
		}
		return deref(snap), xerrors.ErrRequestInProgress
	}

	sameFlow := c.sess != nil && c.sess.Identifier == identifier && c.sess.Purpose == purpose
	if sameFlow && c.sess.Verified {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return deref(snap), nil
	}

	var snap *otp.Session
	if !sameFlow {
		c.resetLocked()
		c.sess = &otp.Session{
			Identifier:        identifier,
			Purpose:           purpose,
			State:             otp.StateRequesting,
			RemainingAttempts: c.cfg.MaxAttempts,
		}
		snap = c.snapshotLocked()
	}
	gen := c.generation
	c.requesting = true
	c.mu.Unlock()
	if snap != nil {
		c.publish(snap)
	}

	resp, err := c.svc.Request(ctx, identifier, purpose)

	c.mu.Lock()
	if c.generation != gen {
		// Closed while the call was running.
		c.mu.Unlock()
		return otp.Session{}, xerrors.ErrNoActiveSession
	}
	c.requesting = false

	if err != nil {
		if !sameFlow {
			c.sess.State = otp.StateIdle
		}
		c.sess.Message = messageOr(err, "Failed to send verification code")
		snap = c.snapshotLocked()
		c.mu.Unlock()

		c.metrics.OTPRequest(string(purpose), resultLabel(err))
		c.logger.Warn("otp request failed",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		c.publish(snap)
		return deref(snap), fmt.Errorf("otp request: %w", err)
	}

	if c.sess.Verified {
		// The previous code was accepted while the new one was on its way.
		snap = c.snapshotLocked()
		c.mu.Unlock()
		return deref(snap), nil
	}

	c.resetLocked()
	gen = c.generation
	now := c.now()
	c.sess = &otp.Session{
		Identifier:        identifier,
		Purpose:           purpose,
		State:             otp.StatePending,
		RequestedAt:       now,
		ExpiresAt:         now.Add(c.cfg.TTL),
		RemainingAttempts: c.cfg.MaxAttempts,
		Message:           resp.Message,
	}
	c.expiryTimer = time.AfterFunc(c.cfg.TTL, func() { c.expire(gen) })
	snap = c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.OTPRequest(string(purpose), "ok")
	c.logger.Info("otp requested",
		zap.String("purpose", string(purpose)),
		zap.Time("expires_at", snap.ExpiresAt))
	c.publish(snap)
	return deref(snap), nil
}

// Resend requests a new code for the current identifier and purpose.
func (c *Controller) Resend(ctx context.Context) (otp.Session, error) {
	c.mu.Lock()
	switch {
	case c.sess == nil:
		c.mu.Unlock()
		return otp.Session{}, xerrors.ErrNoActiveSession
	case c.sess.Verified:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return deref(snap), xerrors.ErrAlreadyVerified
	case c.verifying:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return deref(snap), xerrors.ErrVerificationInProgress
	}
	identifier, purpose := c.sess.Identifier, c.sess.Purpose
	c.mu.Unlock()

	return c.Request(ctx, identifier, purpose)
}

// ========== Verify ==========

// Verify submits code for the current session.
func (c *Controller) Verify(ctx context.Context, code string) (otp.Session, error) {
	code = strings.TrimSpace(code)
	if !c.validFormat(code) {
		return c.Snapshot(), xerrors.ErrInvalidFormat
	}

	c.mu.Lock()
	if c.sess == nil || c.sess.State == otp.StateIdle || c.sess.State == otp.StateRequesting {
		c.mu.Unlock()
		return otp.Session{}, xerrors.ErrNoActiveSession
	}
	if c.sess.Verified {
		pending := c.pending
		snap := c.snapshotLocked()
		c.mu.Unlock()
		// Repeat calls succeed without the network; only a login that
		// failed earlier is retried.
		if pending != nil {
			if err := c.handOff(ctx, pending); err != nil {
				return deref(snap), err
			}
		}
		return deref(snap), nil
	}
	if c.verifying {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return deref(snap), xerrors.ErrVerificationInProgress
	}
	if c.sess.State == otp.StateExpired || !c.now().Before(c.sess.ExpiresAt) {
		c.expireLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return deref(snap), xerrors.ErrOTPExpired
	}
	if c.sess.RemainingAttempts <= 0 {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.metrics.OTPVerify(string(snap.Purpose), "exhausted")
		return deref(snap), &VerifyError{Remaining: 0, Message: "Too many attempts. Request a new code.", Err: xerrors.ErrOTPMaxAttempts}
	}

	gen := c.generation
	c.verifying = true
	c.sess.State = otp.StateVerifying
	c.sess.EnteredCode = code
	identifier, purpose := c.sess.Identifier, c.sess.Purpose
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	resp, err := c.svc.Verify(ctx, identifier, code, purpose)

	c.mu.Lock()
	c.verifying = false
	if c.generation != gen {
		// Closed or replaced while the call was running.
		c.mu.Unlock()
		return otp.Session{}, xerrors.ErrNoActiveSession
	}

	if err != nil && errors.Is(err, xerrors.ErrNetwork) {
		c.sess.State = otp.StatePending
		c.sess.Message = "Network error. Please try again."
		snap = c.snapshotLocked()
		c.mu.Unlock()

		c.metrics.OTPVerify(string(purpose), "network")
		c.logger.Warn("otp verification unavailable", zap.Error(err))
		c.publish(snap)
		return deref(snap), fmt.Errorf("otp verify: %w", err)
	}

	if err != nil || resp == nil || !resp.Success {
		verr := c.rejectLocked(resp, err)
		snap = c.snapshotLocked()
		c.mu.Unlock()

		c.metrics.OTPVerify(string(purpose), "rejected")
		c.logger.Info("otp rejected",
			zap.String("purpose", string(purpose)),
			zap.Int("remaining_attempts", verr.Remaining))
		c.publish(snap)
		return deref(snap), verr
	}

	c.sess.Verified = true
	c.sess.State = otp.StateVerified
	c.sess.EnteredCode = ""
	c.sess.Message = resp.Message
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}

	var login *issuedLogin
	if purpose.IssuesSession() && resp.Token != "" {
		login = &issuedLogin{
			tokens: auth.TokenPair{AccessToken: resp.Token, RefreshToken: resp.RefreshToken},
		}
		if resp.User != nil {
			login.user = *resp.User
		}
		c.pending = login
	}
	c.scheduleCompletionLocked(gen)
	snap = c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.OTPVerify(string(purpose), "success")
	c.logger.Info("otp verified", zap.String("purpose", string(purpose)))
	c.publish(snap)

	if purpose.IssuesSession() && login == nil {
		c.logger.Warn("verification succeeded without issued tokens", zap.String("purpose", string(purpose)))
	}
	if login != nil {
		if err := c.handOff(ctx, login); err != nil {
			return deref(snap), err
		}
	}
	return deref(snap), nil
}

// rejectLocked consumes one attempt, honouring a lower server count.
func (c *Controller) rejectLocked(resp *otp.VerifyResponse, cause error) *VerifyError {
	remaining := c.sess.RemainingAttempts - 1
	if resp != nil && resp.RemainingAttempts != nil && *resp.RemainingAttempts < remaining {
		remaining = *resp.RemainingAttempts
	}
	if remaining < 0 {
		remaining = 0
	}

	msg := ""
	if resp != nil {
		msg = resp.Message
	}
	if msg == "" {
		msg = xerrors.ServerMessage(cause)
	}
	if msg == "" {
		msg = "Invalid code"
	}

	c.sess.RemainingAttempts = remaining
	c.sess.EnteredCode = ""
	c.sess.Message = msg
	c.sess.State = otp.StatePending

	sentinel := xerrors.ErrOTPInvalid
	if remaining == 0 {
		c.sess.State = otp.StateFailed
		sentinel = xerrors.ErrOTPMaxAttempts
	}
	if cause != nil {
		sentinel = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &VerifyError{Remaining: remaining, Message: msg, Err: sentinel}
}

func (c *Controller) handOff(ctx context.Context, login *issuedLogin) error {
	if c.session == nil {
		return nil
	}
	if err := c.session.Login(ctx, login.user, login.tokens); err != nil {
		c.logger.Error("failed to start session after verification", zap.Error(err))
		return fmt.Errorf("otp verified but login failed: %w", err)
	}
	c.mu.Lock()
	if c.pending == login {
		c.pending = nil
	}
	c.mu.Unlock()
	return nil
}

// ========== Expiry / Close ==========

// Expire ends the current unverified session.
func (c *Controller) Expire() {
	c.mu.Lock()
	c.expireLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.expireLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.logger.Info("otp expired")
	c.publish(snap)
}

func (c *Controller) expireLocked() {
	if c.sess == nil || c.sess.Verified || c.sess.State == otp.StateRequesting {
		return
	}
	c.sess.State = otp.StateExpired
	c.sess.EnteredCode = ""
	c.sess.Message = "Code expired. Request a new one."
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}

// Close discards the session. Late results and pending completion
// callbacks from it are dropped.
func (c *Controller) Close() {
	c.mu.Lock()
	had := c.sess != nil
	c.resetLocked()
	c.mu.Unlock()
	if had {
		c.publish(nil)
	}
}

// resetLocked cancels timers and starts a new generation.
func (c *Controller) resetLocked() {
	c.generation++
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
	if c.completionTimer != nil {
		c.completionTimer.Stop()
		c.completionTimer = nil
	}
	c.sess = nil
	c.requesting = false
	c.verifying = false
	c.completed = false
	c.pending = nil
}

func (c *Controller) scheduleCompletionLocked(gen uint64) {
	if c.completed {
		return
	}
	c.completed = true
	c.completionTimer = time.AfterFunc(c.cfg.CompletionDebounce, func() {
		c.mu.Lock()
		if c.generation != gen || c.sess == nil {
			c.mu.Unlock()
			return
		}
		fn := c.onComplete
		s := *c.sess
		c.completionTimer = nil
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
}

// ========== Read side ==========

// Snapshot returns the current session, or a zero Session when there is none.
func (c *Controller) Snapshot() otp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return deref(c.snapshotLocked())
}

// Active reports whether a session exists.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Controller) snapshotLocked() *otp.Session {
	if c.sess == nil {
		return nil
	}
	s := *c.sess
	return &s
}

func (c *Controller) publish(s *otp.Session) {
	c.listenersMu.RLock()
	ls := make([]Listener, len(c.listeners))
	copy(ls, c.listeners)
	c.listenersMu.RUnlock()
	for _, l := range ls {
		l(s)
	}
}

func (c *Controller) validFormat(code string) bool {
	if len(code) != c.cfg.CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func deref(s *otp.Session) otp.Session {
	if s == nil {
		return otp.Session{}
	}
	return *s
}

func messageOr(err error, fallback string) string {
	if msg := xerrors.ServerMessage(err); msg != "" {
		return msg
	}
	if errors.Is(err, xerrors.ErrNetwork) {
		return "Network error. Please try again."
	}
	return fallback
}

func resultLabel(err error) string {
	if errors.Is(err, xerrors.ErrNetwork) {
		return "network"
	}
	return "rejected"
}
