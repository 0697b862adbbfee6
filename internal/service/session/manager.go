// internal/service/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lifeline-client/internal/domain/auth"
	"lifeline-client/internal/metrics"
	xerrors "lifeline-client/internal/pkg/errors"
	"lifeline-client/internal/pkg/jwt"
	"lifeline-client/internal/pkg/session"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AuthService is the remote auth API used by the manager.
type AuthService interface {
	VerifyToken(ctx context.Context, accessToken string) (*auth.CachedUser, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error)
	Login(ctx context.Context, creds auth.Credentials) (*auth.LoginResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// Listener receives session state changes. It is called outside the
// manager's locks and must not block for long.
type Listener func(ev auth.Event, snap auth.Snapshot)

type Config struct {
	CacheTTL         time.Duration
	RefreshThreshold time.Duration
	CheckInterval    time.Duration
}

type Manager struct {
	store   session.Store
	authSvc AuthService
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.RWMutex
	data          session.Data
	authenticated bool
	// generation changes whenever the session is replaced or cleared, so a
	// refresh that started against an older session cannot resurrect it.
	generation uint64

	// saveMu orders store writes. It is never held across auth service calls.
	saveMu   sync.Mutex
	savedGen uint64

	sf         singleflight.Group
	refreshing atomic.Bool

	listenersMu sync.RWMutex
	listeners   []Listener

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewManager(
	store session.Store,
	authSvc AuthService,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 15 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		authSvc: authSvc,
		cfg:     cfg,
		logger:  logger.Named("session"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Subscribe registers l for session events.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// ========== Initialization ==========

// Initialize restores the session from the store. A cached user confirmed
// less than CacheTTL ago is trusted without a network call; an older one is
// re-verified with the auth service.
func (m *Manager) Initialize(ctx context.Context) (auth.Snapshot, error) {
	d, err := m.store.Load(ctx)
	if err != nil {
		return m.Snapshot(), fmt.Errorf("failed to load session: %w", err)
	}

	if d.Tokens == nil || d.Tokens.AccessToken == "" {
		m.replace(session.Data{}, false)
		m.logger.Info("no stored session")
		return m.Snapshot(), nil
	}

	now := m.now()
	if d.User != nil && d.State.Fresh(now, m.cfg.CacheTTL) {
		m.replace(d, true)
		m.logger.Info("restored session from cache",
			zap.String("user_id", d.User.ID),
			zap.Duration("age", now.Sub(d.State.Timestamp)))
		m.publish(auth.EventAuthenticated)
		return m.Snapshot(), nil
	}

	// Keep the stored tokens in memory so a refresh can use them.
	m.replace(d, false)

	user, err := m.authSvc.VerifyToken(ctx, d.Tokens.AccessToken)
	switch {
	case err == nil:
		d.User = normalized(user)
		d.State = &auth.AuthState{Timestamp: m.now(), Verified: true}
		if err := m.persist(ctx, m.replace(d, true), d); err != nil {
			return m.Snapshot(), fmt.Errorf("failed to persist verified session: %w", err)
		}
		m.logger.Info("session verified", zap.String("user_id", d.User.ID))
		m.publish(auth.EventAuthenticated)
		return m.Snapshot(), nil

	case errors.Is(err, xerrors.ErrNetwork):
		// Stored state is kept; the cached user stands until the server is reachable.
		m.setAuthenticated(d.User != nil)
		m.logger.Warn("session verification unavailable, keeping cached state", zap.Error(err))
		return m.Snapshot(), nil
	}

	m.logger.Info("stored access token rejected, attempting refresh", zap.Error(err))
	if _, rerr := m.Refresh(ctx); rerr != nil {
		if errors.Is(rerr, xerrors.ErrNetwork) {
			m.setAuthenticated(d.User != nil)
			m.logger.Warn("refresh unavailable during initialize, keeping cached state", zap.Error(rerr))
			return m.Snapshot(), nil
		}
		if errors.Is(rerr, xerrors.ErrNoToken) {
			if cerr := m.clear(ctx); cerr != nil {
				return m.Snapshot(), cerr
			}
		}
		m.logger.Info("session could not be restored", zap.Error(rerr))
		return m.Snapshot(), nil
	}
	return m.Snapshot(), nil
}

// ========== Login / Logout ==========

// Login stores a token pair obtained elsewhere (password login, OTP
// verification). Calling it again with the same pair is harmless. The new
// session replaces the old one in memory before it is written, so a refresh
// still running against the old session is discarded.
func (m *Manager) Login(ctx context.Context, user auth.CachedUser, tokens auth.TokenPair) error {
	if tokens.AccessToken == "" {
		return xerrors.ErrInvalidCredentials
	}

	d := session.Data{
		Tokens: &tokens,
		User:   normalized(&user),
		State:  &auth.AuthState{Timestamp: m.now(), Verified: true},
	}
	if err := m.persist(ctx, m.replace(d, true), d); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Info("user logged in", zap.String("user_id", d.User.ID))
	m.publish(auth.EventAuthenticated)
	return nil
}

// LoginWithCredentials performs a password login against the auth service.
func (m *Manager) LoginWithCredentials(ctx context.Context, creds auth.Credentials) (auth.Snapshot, error) {
	if creds.Identifier == "" || creds.Password == "" {
		return m.Snapshot(), xerrors.ErrInvalidInput
	}

	resp, err := m.authSvc.Login(ctx, creds)
	if err != nil {
		if errors.Is(err, xerrors.ErrNetwork) {
			return m.Snapshot(), fmt.Errorf("login: %w", err)
		}
		return m.Snapshot(), fmt.Errorf("%w: %w", xerrors.ErrInvalidCredentials, err)
	}

	if err := m.Login(ctx, resp.User, resp.Tokens); err != nil {
		return m.Snapshot(), err
	}
	return m.Snapshot(), nil
}

// Logout notifies the server on a best-effort basis and always clears the
// local session.
func (m *Manager) Logout(ctx context.Context) error {
	token := m.AccessToken()
	if token != "" {
		if err := m.authSvc.Logout(ctx, token); err != nil {
			m.logger.Warn("server logout failed, clearing locally", zap.Error(err))
		}
	}

	err := m.clear(ctx)
	m.logger.Info("user logged out")
	m.publish(auth.EventLoggedOut)
	return err
}

// ========== Refresh ==========

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share a single exchange and observe the same result.
//
// An authoritative rejection clears the session and returns ErrSessionExpired.
// A network failure keeps the session and returns an ErrNetwork chain.
func (m *Manager) Refresh(ctx context.Context) (auth.TokenPair, error) {
	v, err, shared := m.sf.Do("refresh", func() (any, error) {
		// The exchange outlives any single caller's cancellation.
		return m.doRefresh(context.WithoutCancel(ctx))
	})
	if shared {
		m.metrics.RefreshResult("shared")
	}
	if err != nil {
		return auth.TokenPair{}, err
	}
	return v.(auth.TokenPair), nil
}

// TryRefresh is Refresh without joining an exchange already in flight.
func (m *Manager) TryRefresh(ctx context.Context) (auth.TokenPair, error) {
	if m.refreshing.Load() {
		return auth.TokenPair{}, xerrors.ErrRefreshInProgress
	}
	return m.Refresh(ctx)
}

func (m *Manager) doRefresh(ctx context.Context) (auth.TokenPair, error) {
	m.refreshing.Store(true)
	defer m.refreshing.Store(false)

	m.mu.RLock()
	gen := m.generation
	var current session.Data
	if m.data.Tokens != nil {
		current = m.data
	}
	m.mu.RUnlock()

	if current.Tokens == nil || current.Tokens.RefreshToken == "" {
		return auth.TokenPair{}, xerrors.ErrNoToken
	}

	resp, err := m.authSvc.Refresh(ctx, current.Tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, xerrors.ErrNetwork) {
			m.metrics.RefreshResult("network")
			m.logger.Warn("token refresh failed, keeping session", zap.Error(err))
			return auth.TokenPair{}, fmt.Errorf("refresh: %w", err)
		}

		m.metrics.RefreshResult("rejected")
		cause := err
		if errors.Is(err, xerrors.ErrUnauthorized) {
			cause = fmt.Errorf("%w: %w", xerrors.ErrInvalidRefreshToken, err)
		}
		if next, ok := m.replaceIf(gen, session.Data{}, false); ok {
			if cerr := m.persist(ctx, next, session.Data{}); cerr != nil {
				m.logger.Error("failed to clear expired session", zap.Error(cerr))
			}
			m.logger.Info("refresh rejected, session cleared", zap.Error(err))
			m.publish(auth.EventExpired)
		}
		return auth.TokenPair{}, fmt.Errorf("%w: %w", xerrors.ErrSessionExpired, cause)
	}

	tokens := auth.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = current.Tokens.RefreshToken
	}

	next := session.Data{
		Tokens: &tokens,
		User:   current.User,
		State:  &auth.AuthState{Timestamp: m.now(), Verified: true},
	}
	if resp.User != nil {
		next.User = normalized(resp.User)
	}

	nextGen, ok := m.replaceIf(gen, next, next.User != nil)
	if !ok {
		// Logged out or replaced while the exchange was running.
		m.metrics.RefreshResult("discarded")
		return auth.TokenPair{}, xerrors.ErrNotAuthenticated
	}
	if err := m.persist(ctx, nextGen, next); err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	m.metrics.RefreshResult("ok")
	m.logger.Debug("access token refreshed")
	m.publish(auth.EventRefreshed)
	return tokens, nil
}

// ========== Authorized calls ==========

// DoAuthorized runs fn with the current access token. If fn reports
// ErrUnauthorized the token is refreshed once and fn is retried once.
func (m *Manager) DoAuthorized(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	token := m.AccessToken()
	if token == "" {
		return xerrors.ErrNotAuthenticated
	}

	err := fn(ctx, token)
	if !errors.Is(err, xerrors.ErrUnauthorized) {
		return err
	}

	m.logger.Debug("request unauthorized, refreshing before retry")
	tokens, rerr := m.Refresh(ctx)
	if rerr != nil {
		return rerr
	}
	return fn(ctx, tokens.AccessToken)
}

// ========== Background refresh ==========

// Start launches the periodic expiry check. Calling Start again replaces the
// running loop.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	m.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.CheckExpiry(loopCtx)
			}
		}
	}()
	m.logger.Info("background refresh started", zap.Duration("interval", m.cfg.CheckInterval))
}

// Stop ends the periodic check and waits for it to exit.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.loopCancel == nil {
		return
	}
	m.loopCancel()
	<-m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
}

// CheckExpiry refreshes when the access token expires within the threshold.
// It reports whether a refresh was attempted.
func (m *Manager) CheckExpiry(ctx context.Context) bool {
	exp, ok := m.accessTokenExpiry()
	if !ok {
		return false
	}
	if exp.Sub(m.now()) >= m.cfg.RefreshThreshold {
		return false
	}

	if _, err := m.TryRefresh(ctx); err != nil && !errors.Is(err, xerrors.ErrRefreshInProgress) {
		m.logger.Warn("background refresh failed", zap.Error(err))
	}
	return true
}

// ========== Read side ==========

func (m *Manager) Snapshot() auth.Snapshot {
	m.mu.RLock()
	snap := auth.Snapshot{Authenticated: m.authenticated}
	if m.data.User != nil {
		u := *m.data.User
		snap.User = &u
	}
	if m.data.State != nil {
		st := *m.data.State
		snap.AuthState = &st
	}
	m.mu.RUnlock()

	if exp, ok := m.accessTokenExpiry(); ok {
		snap.AccessTokenExpiresAt = &exp
	}
	snap.RefreshInFlight = m.refreshing.Load()
	return snap
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticated
}

func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data.Tokens == nil {
		return ""
	}
	return m.data.Tokens.AccessToken
}

// accessTokenExpiry prefers the token's exp claim and falls back to the
// server-reported lifetime counted from the last confirmation.
func (m *Manager) accessTokenExpiry() (time.Time, bool) {
	m.mu.RLock()
	tokens, state := m.data.Tokens, m.data.State
	m.mu.RUnlock()
	if tokens == nil || tokens.AccessToken == "" {
		return time.Time{}, false
	}
	if exp, err := jwt.ExpiresAt(tokens.AccessToken); err == nil {
		return exp, true
	}
	if tokens.ExpiresIn > 0 && state != nil {
		return state.Timestamp.Add(time.Duration(tokens.ExpiresIn) * time.Second), true
	}
	return time.Time{}, false
}

// ========== Internal helpers ==========

// replace installs d as the current session and returns its generation.
func (m *Manager) replace(d session.Data, authenticated bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = d
	m.authenticated = authenticated
	m.generation++
	return m.generation
}

// replaceIf is replace, skipped unless the session is still at generation gen.
func (m *Manager) replaceIf(gen uint64, d session.Data, authenticated bool) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return m.generation, false
	}
	m.data = d
	m.authenticated = authenticated
	m.generation++
	return m.generation, true
}

// persist writes the session installed at generation gen. A write older than
// the last one stored is dropped, so the store always ends at the newest
// generation whatever order the writers reach it in.
func (m *Manager) persist(ctx context.Context, gen uint64, d session.Data) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if gen < m.savedGen {
		return nil
	}

	var err error
	if d.Tokens == nil {
		err = m.store.Clear(ctx)
	} else {
		err = m.store.Save(ctx, d)
	}
	if err != nil {
		return err
	}
	m.savedGen = gen
	return nil
}

func (m *Manager) setAuthenticated(v bool) {
	m.mu.Lock()
	m.authenticated = v
	m.mu.Unlock()
}

// clear drops the in-memory session first so readers never see a session
// whose store entry is gone.
func (m *Manager) clear(ctx context.Context) error {
	if err := m.persist(ctx, m.replace(session.Data{}, false), session.Data{}); err != nil {
		return fmt.Errorf("failed to clear session store: %w", err)
	}
	return nil
}

func (m *Manager) publish(ev auth.Event) {
	m.listenersMu.RLock()
	ls := make([]Listener, len(m.listeners))
	copy(ls, m.listeners)
	m.listenersMu.RUnlock()
	if len(ls) == 0 {
		return
	}

	snap := m.Snapshot()
	for _, l := range ls {
		l(ev, snap)
	}
}

func normalized(u *auth.CachedUser) *auth.CachedUser {
	if u == nil {
		return nil
	}
	n := auth.Normalize(*u)
	return &n
}
