package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeline-client/internal/domain/auth"
	xerrors "lifeline-client/internal/pkg/errors"
	"lifeline-client/internal/pkg/jwt"
	"lifeline-client/internal/pkg/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAuthService implements AuthService with overridable behaviour.
type mockAuthService struct {
	VerifyTokenFunc func(ctx context.Context, accessToken string) (*auth.CachedUser, error)
	RefreshFunc     func(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error)
	LoginFunc       func(ctx context.Context, creds auth.Credentials) (*auth.LoginResponse, error)
	LogoutFunc      func(ctx context.Context, accessToken string) error

	verifyCalls  atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func (m *mockAuthService) VerifyToken(ctx context.Context, accessToken string) (*auth.CachedUser, error) {
	m.verifyCalls.Add(1)
	if m.VerifyTokenFunc != nil {
		return m.VerifyTokenFunc(ctx, accessToken)
	}
	return &auth.CachedUser{ID: "u1", Name: "Ada"}, nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*auth.RefreshResponse, error) {
	m.refreshCalls.Add(1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return &auth.RefreshResponse{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
}

func (m *mockAuthService) Login(ctx context.Context, creds auth.Credentials) (*auth.LoginResponse, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, creds)
	}
	return &auth.LoginResponse{
		User:   auth.CachedUser{ID: "u1", Email: "Ada@Example.com"},
		Tokens: auth.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
	}, nil
}

func (m *mockAuthService) Logout(ctx context.Context, accessToken string) error {
	m.logoutCalls.Add(1)
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, accessToken)
	}
	return nil
}

var _ AuthService = (*mockAuthService)(nil)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestManager(svc *mockAuthService, store session.Store) (*Manager, *clock) {
	clk := &clock{t: t0}
	m := NewManager(store, svc, Config{
		CacheTTL:         5 * time.Minute,
		RefreshThreshold: 15 * time.Minute,
		CheckInterval:    time.Minute,
	}, nil, nil).WithClock(clk.Now)
	return m, clk
}

func seed(t *testing.T, store session.Store, confirmedAt time.Time) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), session.Data{
		Tokens: &auth.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
		User:   &auth.CachedUser{ID: "u1", Name: "Ada", DisplayName: "Ada", Status: auth.StatusActive},
		State:  &auth.AuthState{Timestamp: confirmedAt, Verified: true},
	}))
}

// ========== Initialize ==========

func TestInitialize_NoStoredSession(t *testing.T) {
	svc := &mockAuthService{}
	m, _ := newTestManager(svc, session.NewMemoryStore())

	snap, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Authenticated)
	assert.Nil(t, snap.User)
	assert.Zero(t, svc.verifyCalls.Load())
}

func TestInitialize_CacheTrustBoundary(t *testing.T) {
	tests := []struct {
		name        string
		age         time.Duration
		wantNetwork bool
	}{
		{"just inside window", 4*time.Minute + 59*time.Second, false},
		{"exactly at ttl", 5 * time.Minute, true},
		{"just outside window", 5*time.Minute + time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{}
			store := session.NewMemoryStore()
			seed(t, store, t0.Add(-tt.age))
			m, _ := newTestManager(svc, store)

			snap, err := m.Initialize(context.Background())
			require.NoError(t, err)
			assert.True(t, snap.Authenticated)
			assert.Equal(t, tt.wantNetwork, svc.verifyCalls.Load() == 1)
		})
	}
}

func TestInitialize_StaleVerifiedRefreshesTimestamp(t *testing.T) {
	svc := &mockAuthService{
		VerifyTokenFunc: func(ctx context.Context, token string) (*auth.CachedUser, error) {
			return &auth.CachedUser{ID: "u1", Name: "Ada Lovelace"}, nil
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0.Add(-time.Hour))
	m, _ := newTestManager(svc, store)

	snap, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, "Ada Lovelace", snap.User.DisplayName)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.State.Timestamp.Equal(t0))
}

func TestInitialize_RejectedTokenRecoversThroughRefresh(t *testing.T) {
	svc := &mockAuthService{
		VerifyTokenFunc: func(ctx context.Context, token string) (*auth.CachedUser, error) {
			return nil, &xerrors.ServerError{Status: 401, Err: xerrors.ErrUnauthorized}
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0.Add(-time.Hour))
	m, _ := newTestManager(svc, store)

	snap, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, "access-2", m.AccessToken())
	assert.EqualValues(t, 1, svc.refreshCalls.Load())
}

func TestInitialize_RejectedTokenAndRefreshClearsState(t *testing.T) {
	svc := &mockAuthService{
		VerifyTokenFunc: func(ctx context.Context, token string) (*auth.CachedUser, error) {
			return nil, &xerrors.ServerError{Status: 401, Err: xerrors.ErrUnauthorized}
		},
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			return nil, &xerrors.ServerError{Status: 401, Err: xerrors.ErrUnauthorized}
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0.Add(-time.Hour))
	m, _ := newTestManager(svc, store)

	snap, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Authenticated)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored.Tokens)
	assert.Nil(t, stored.User)
}

func TestInitialize_TransientFailureRetainsState(t *testing.T) {
	svc := &mockAuthService{
		VerifyTokenFunc: func(ctx context.Context, token string) (*auth.CachedUser, error) {
			return nil, xerrors.ErrNetwork
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0.Add(-time.Hour))
	m, _ := newTestManager(svc, store)

	snap, err := m.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Zero(t, svc.refreshCalls.Load())

	stored, _ := store.Load(context.Background())
	require.NotNil(t, stored.Tokens)
	assert.Equal(t, "access-1", stored.Tokens.AccessToken)
}

// ========== Login / Logout ==========

func TestLogin_RequiresAccessToken(t *testing.T) {
	m, _ := newTestManager(&mockAuthService{}, session.NewMemoryStore())

	err := m.Login(context.Background(), auth.CachedUser{ID: "u1"}, auth.TokenPair{RefreshToken: "r"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidCredentials)
	assert.False(t, m.IsAuthenticated())
}

func TestLogin_IsIdempotent(t *testing.T) {
	store := session.NewMemoryStore()
	m, _ := newTestManager(&mockAuthService{}, store)
	user := auth.CachedUser{ID: "u1", Email: " Ada@Example.COM "}
	tokens := auth.TokenPair{AccessToken: "a", RefreshToken: "r"}

	require.NoError(t, m.Login(context.Background(), user, tokens))
	first, _ := store.Load(context.Background())
	require.NoError(t, m.Login(context.Background(), user, tokens))
	second, _ := store.Load(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, "ada", second.User.DisplayName)
	assert.True(t, m.IsAuthenticated())
}

func TestLoginWithCredentials(t *testing.T) {
	svc := &mockAuthService{}
	m, _ := newTestManager(svc, session.NewMemoryStore())

	snap, err := m.LoginWithCredentials(context.Background(), auth.Credentials{Identifier: "ada", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, "ada@example.com", snap.User.Email)

	svc.LoginFunc = func(ctx context.Context, creds auth.Credentials) (*auth.LoginResponse, error) {
		return nil, &xerrors.ServerError{Status: 401, Err: xerrors.ErrUnauthorized}
	}
	_, err = m.LoginWithCredentials(context.Background(), auth.Credentials{Identifier: "ada", Password: "bad"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidCredentials)
}

// Scenario A: login then logout.
func TestLoginLogout_RoundTrip(t *testing.T) {
	store := session.NewMemoryStore()
	m, _ := newTestManager(&mockAuthService{}, store)

	require.NoError(t, m.Login(context.Background(), auth.CachedUser{ID: "u1"}, auth.TokenPair{AccessToken: "A", RefreshToken: "R"}))
	snap := m.Snapshot()
	assert.True(t, snap.Authenticated)
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)

	require.NoError(t, m.Logout(context.Background()))
	assert.False(t, m.IsAuthenticated())
	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Data{}, stored)
}

func TestLogout_ClearsEvenWhenServerFails(t *testing.T) {
	svc := &mockAuthService{
		LogoutFunc: func(ctx context.Context, token string) error { return xerrors.ErrNetwork },
	}
	store := session.NewMemoryStore()
	m, _ := newTestManager(svc, store)
	require.NoError(t, m.Login(context.Background(), auth.CachedUser{ID: "u1"}, auth.TokenPair{AccessToken: "a"}))

	var events []auth.Event
	m.Subscribe(func(ev auth.Event, _ auth.Snapshot) { events = append(events, ev) })

	require.NoError(t, m.Logout(context.Background()))
	assert.False(t, m.IsAuthenticated())
	assert.EqualValues(t, 1, svc.logoutCalls.Load())
	assert.Equal(t, []auth.Event{auth.EventLoggedOut}, events)

	stored, _ := store.Load(context.Background())
	assert.Nil(t, stored.Tokens)
}

// ========== Refresh ==========

func TestRefresh_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			<-release
			return &auth.RefreshResponse{AccessToken: "access-2"}, nil
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]auth.TokenPair, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}

	// Let every caller join the in-flight exchange before releasing it.
	require.Eventually(t, func() bool { return svc.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, svc.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", results[i].AccessToken)
		assert.Equal(t, "refresh-1", results[i].RefreshToken, "old refresh token kept when omitted")
	}
}

func TestTryRefresh_InProgress(t *testing.T) {
	release := make(chan struct{})
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			<-release
			return &auth.RefreshResponse{AccessToken: "access-2"}, nil
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = m.Refresh(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return m.Snapshot().RefreshInFlight }, time.Second, time.Millisecond)

	_, err := m.TryRefresh(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrRefreshInProgress)

	close(release)
	<-done
}

func TestRefresh_RejectedForcesLogout(t *testing.T) {
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			return nil, &xerrors.ServerError{Status: 401, Message: "refresh token revoked", Err: xerrors.ErrUnauthorized}
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	var expired atomic.Bool
	m.Subscribe(func(ev auth.Event, snap auth.Snapshot) {
		if ev == auth.EventExpired && !snap.Authenticated {
			expired.Store(true)
		}
	})

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrSessionExpired)
	assert.ErrorIs(t, err, xerrors.ErrInvalidRefreshToken)
	assert.Equal(t, xerrors.KindRejected, xerrors.KindOf(err))
	assert.True(t, expired.Load())
	assert.False(t, m.IsAuthenticated())

	stored, _ := store.Load(context.Background())
	assert.Nil(t, stored.Tokens)
}

func TestRefresh_NetworkFailureRetainsSession(t *testing.T) {
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			return nil, xerrors.ErrNetwork
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrNetwork)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "access-1", m.AccessToken())
}

func TestRefresh_DiscardedAfterLogout(t *testing.T) {
	release := make(chan struct{})
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			<-release
			return &auth.RefreshResponse{AccessToken: "late"}, nil
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return svc.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Logout(context.Background()))
	close(release)

	assert.ErrorIs(t, <-errCh, xerrors.ErrNotAuthenticated)
	assert.False(t, m.IsAuthenticated())
	stored, _ := store.Load(context.Background())
	assert.Nil(t, stored.Tokens)
}

// gatedStore holds the Save of one access token until released.
type gatedStore struct {
	session.Store
	token   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, d session.Data) error {
	if d.Tokens != nil && d.Tokens.AccessToken == g.token {
		close(g.entered)
		<-g.release
	}
	return g.Store.Save(ctx, d)
}

func assertStoredMatchesMemory(t *testing.T, m *Manager, store session.Store, userID, token string) {
	t.Helper()
	assert.Equal(t, token, m.AccessToken())
	snap := m.Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, userID, snap.User.ID)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored.Tokens)
	require.NotNil(t, stored.User)
	assert.Equal(t, token, stored.Tokens.AccessToken)
	assert.Equal(t, userID, stored.User.ID)
}

func TestRefresh_DiscardedAfterLogin(t *testing.T) {
	release := make(chan struct{})
	svc := &mockAuthService{
		RefreshFunc: func(ctx context.Context, rt string) (*auth.RefreshResponse, error) {
			<-release
			return &auth.RefreshResponse{AccessToken: "access-2"}, nil
		},
	}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return svc.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Login(context.Background(),
		auth.CachedUser{ID: "u2"},
		auth.TokenPair{AccessToken: "access-new", RefreshToken: "refresh-new"}))
	close(release)

	assert.ErrorIs(t, <-errCh, xerrors.ErrNotAuthenticated)
	assertStoredMatchesMemory(t, m, store, "u2", "access-new")
}

func TestLogin_WinsOverRefreshStillWriting(t *testing.T) {
	svc := &mockAuthService{}
	inner := session.NewMemoryStore()
	seed(t, inner, t0)
	store := &gatedStore{
		Store:   inner,
		token:   "access-2",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	refreshErr := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		refreshErr <- err
	}()
	<-store.entered

	loginErr := make(chan error, 1)
	go func() {
		loginErr <- m.Login(context.Background(),
			auth.CachedUser{ID: "u2"},
			auth.TokenPair{AccessToken: "access-new", RefreshToken: "refresh-new"})
	}()
	require.Eventually(t, func() bool { return m.AccessToken() == "access-new" }, time.Second, time.Millisecond)
	close(store.release)

	require.NoError(t, <-refreshErr)
	require.NoError(t, <-loginErr)
	assertStoredMatchesMemory(t, m, store, "u2", "access-new")
}

// ========== DoAuthorized ==========

func TestDoAuthorized_RefreshesThenRetriesOnce(t *testing.T) {
	svc := &mockAuthService{}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	var seen []string
	err := m.DoAuthorized(context.Background(), func(ctx context.Context, token string) error {
		seen = append(seen, token)
		if token == "access-1" {
			return xerrors.ErrUnauthorized
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"access-1", "access-2"}, seen)
	assert.EqualValues(t, 1, svc.refreshCalls.Load())
}

func TestDoAuthorized_NeverRetriesTwice(t *testing.T) {
	svc := &mockAuthService{}
	store := session.NewMemoryStore()
	seed(t, store, t0)
	m, _ := newTestManager(svc, store)
	_, _ = m.Initialize(context.Background())

	calls := 0
	err := m.DoAuthorized(context.Background(), func(ctx context.Context, token string) error {
		calls++
		return xerrors.ErrUnauthorized
	})
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 1, svc.refreshCalls.Load())
}

func TestDoAuthorized_NotAuthenticated(t *testing.T) {
	m, _ := newTestManager(&mockAuthService{}, session.NewMemoryStore())
	err := m.DoAuthorized(context.Background(), func(ctx context.Context, token string) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.ErrorIs(t, err, xerrors.ErrNotAuthenticated)
}

// ========== Background refresh ==========

func TestCheckExpiry_UsesTokenExpClaim(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	gen := jwt.NewGenerator(key, "lifeline-auth", "lifeline-app", "k1", 30*time.Minute).
		WithClock(func() time.Time { return t0 })
	access, _, err := gen.GenerateAccessToken("u1", []string{"donor"})
	require.NoError(t, err)

	svc := &mockAuthService{}
	m, clk := newTestManager(svc, session.NewMemoryStore())
	require.NoError(t, m.Login(context.Background(), auth.CachedUser{ID: "u1"}, auth.TokenPair{AccessToken: access, RefreshToken: "refresh-1"}))

	// 30 minutes left: above the 15 minute threshold.
	assert.False(t, m.CheckExpiry(context.Background()))
	assert.Zero(t, svc.refreshCalls.Load())

	// 10 minutes left.
	clk.Advance(20 * time.Minute)
	assert.True(t, m.CheckExpiry(context.Background()))
	assert.EqualValues(t, 1, svc.refreshCalls.Load())
}

func TestCheckExpiry_FallsBackToExpiresIn(t *testing.T) {
	svc := &mockAuthService{}
	m, _ := newTestManager(svc, session.NewMemoryStore())
	require.NoError(t, m.Login(context.Background(), auth.CachedUser{ID: "u1"},
		auth.TokenPair{AccessToken: "opaque", RefreshToken: "r", ExpiresIn: 600}))

	snap := m.Snapshot()
	require.NotNil(t, snap.AccessTokenExpiresAt)
	assert.True(t, snap.AccessTokenExpiresAt.Equal(t0.Add(10*time.Minute)))
	assert.True(t, m.CheckExpiry(context.Background()))
}

func TestStartStop_ReplacesLoop(t *testing.T) {
	m, _ := newTestManager(&mockAuthService{}, session.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	first := m.loopDone
	m.Start(ctx)

	select {
	case <-first:
	default:
		t.Fatal("previous loop still running after restart")
	}
	m.Stop()
	m.Stop()
	assert.Nil(t, m.loopCancel)
}
