package otp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lifeline-client/internal/domain/auth"
	"lifeline-client/internal/domain/otp"
	xerrors "lifeline-client/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCode = "123456"

// mockOTPService implements Service with overridable behaviour.
type mockOTPService struct {
	RequestFunc func(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error)
	VerifyFunc  func(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error)

	requestCalls atomic.Int32
	verifyCalls  atomic.Int32
}

func (m *mockOTPService) Request(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error) {
	m.requestCalls.Add(1)
	if m.RequestFunc != nil {
		return m.RequestFunc(ctx, identifier, purpose)
	}
	return &otp.RequestResponse{Success: true, Message: "Code sent"}, nil
}

// Verify accepts validCode by default and rejects everything else the way the
// server does, reporting its own remaining count.
func (m *mockOTPService) Verify(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
	n := m.verifyCalls.Add(1)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, identifier, code, purpose)
	}
	if code == validCode {
		return &otp.VerifyResponse{
			Success:      true,
			Token:        "access-1",
			RefreshToken: "refresh-1",
			User:         &auth.CachedUser{ID: "u1", Name: "Ada"},
		}, nil
	}
	remaining := 3 - int(n)
	return &otp.VerifyResponse{Success: false, Message: "Invalid code", RemainingAttempts: &remaining},
		&xerrors.ServerError{Status: 400, Message: "Invalid code", Err: xerrors.ErrServerRejected}
}

type mockSession struct {
	mu     sync.Mutex
	logins []auth.TokenPair
	err    error
}

func (s *mockSession) Login(ctx context.Context, user auth.CachedUser, tokens auth.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logins = append(s.logins, tokens)
	return nil
}

func (s *mockSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logins)
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestController(svc *mockOTPService, sess *mockSession, debounce time.Duration) (*Controller, *fixedClock) {
	clk := &fixedClock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	c := NewController(svc, sess, Config{
		TTL:                300 * time.Second,
		MaxAttempts:        3,
		CodeLength:         6,
		CompletionDebounce: debounce,
	}, nil, nil).WithClock(clk.Now)
	return c, clk
}

func TestRequest_Validation(t *testing.T) {
	svc := &mockOTPService{}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)

	_, err := c.Request(context.Background(), "   ", otp.PurposeLogin)
	assert.ErrorIs(t, err, xerrors.ErrEmptyIdentifier)

	_, err = c.Request(context.Background(), "ada@example.com", otp.Purpose("signup"))
	assert.ErrorIs(t, err, xerrors.ErrInvalidPurpose)
	assert.Zero(t, svc.requestCalls.Load())
}

func TestRequest_StartsWindow(t *testing.T) {
	c, clk := newTestController(&mockOTPService{}, &mockSession{}, time.Millisecond)
	defer c.Close()

	s, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, otp.StatePending, s.State)
	assert.Equal(t, 3, s.RemainingAttempts)
	assert.True(t, s.ExpiresAt.Equal(clk.Now().Add(300*time.Second)))
}

func TestRequest_SameIdentifierInFlightIsNoop(t *testing.T) {
	release := make(chan struct{})
	svc := &mockOTPService{
		RequestFunc: func(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error) {
			<-release
			return &otp.RequestResponse{Success: true}, nil
		},
	}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
		close(done)
	}()
	require.Eventually(t, func() bool { return svc.requestCalls.Load() == 1 }, time.Second, time.Millisecond)

	s, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, otp.StateRequesting, s.State)

	_, err = c.Request(context.Background(), "bob@example.com", otp.PurposeLogin)
	assert.ErrorIs(t, err, xerrors.ErrRequestInProgress)

	close(release)
	<-done
	assert.EqualValues(t, 1, svc.requestCalls.Load())
}

func TestRequest_FailureSurfacesMessage(t *testing.T) {
	svc := &mockOTPService{
		RequestFunc: func(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error) {
			return nil, &xerrors.ServerError{Status: 429, Message: "Too many requests", Err: xerrors.ErrServerRejected}
		},
	}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)

	s, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.Error(t, err)
	assert.Equal(t, "Too many requests", s.Message)
	assert.Equal(t, 3, s.RemainingAttempts)

	_, err = c.Verify(context.Background(), validCode)
	assert.ErrorIs(t, err, xerrors.ErrNoActiveSession)
}

func TestRequest_RepeatAfterVerifiedIsNoop(t *testing.T) {
	svc := &mockOTPService{}
	sess := &mockSession{}
	c, _ := newTestController(svc, sess, 10*time.Millisecond)
	defer c.Close()
	var completions atomic.Int32
	c.OnComplete(func(otp.Session) { completions.Add(1) })

	_, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)
	_, err = c.Verify(context.Background(), validCode)
	require.NoError(t, err)

	s, err := c.Request(context.Background(), " ada@example.com ", otp.PurposeLogin)
	require.NoError(t, err)
	assert.True(t, s.Verified)
	assert.Equal(t, otp.StateVerified, s.State)
	assert.EqualValues(t, 1, svc.requestCalls.Load())

	s, err = c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.True(t, s.Verified)
	assert.EqualValues(t, 1, svc.verifyCalls.Load())
	assert.Equal(t, 1, sess.count())

	require.Eventually(t, func() bool { return completions.Load() == 1 }, time.Second, time.Millisecond)
}

func TestResend_FailureKeepsValidSession(t *testing.T) {
	var failRequests atomic.Bool
	svc := &mockOTPService{
		RequestFunc: func(ctx context.Context, identifier string, purpose otp.Purpose) (*otp.RequestResponse, error) {
			if failRequests.Load() {
				return nil, xerrors.ErrNetwork
			}
			return &otp.RequestResponse{Success: true, Message: "Code sent"}, nil
		},
	}
	c, clk := newTestController(svc, &mockSession{}, time.Hour)
	defer c.Close()

	first, err := c.Request(context.Background(), "ada@example.com", otp.PurposeReset)
	require.NoError(t, err)
	_, err = c.Verify(context.Background(), "000000")
	require.Error(t, err)

	failRequests.Store(true)
	clk.Advance(time.Minute)
	s, err := c.Resend(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrNetwork)
	assert.Equal(t, otp.StatePending, s.State)
	assert.Equal(t, 2, s.RemainingAttempts)
	assert.True(t, s.ExpiresAt.Equal(first.ExpiresAt))
	assert.NotEmpty(t, s.Message)

	s, err = c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.True(t, s.Verified)
}

func TestVerify_Format(t *testing.T) {
	svc := &mockOTPService{}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		_, err := c.Verify(context.Background(), code)
		assert.ErrorIs(t, err, xerrors.ErrInvalidFormat, "code %q", code)
	}
	assert.Zero(t, svc.verifyCalls.Load())
}

// Scenario C: a wrong code consumes an attempt and clears the entry.
func TestVerify_WrongCodeDecrementsAndClears(t *testing.T) {
	c, _ := newTestController(&mockOTPService{}, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, err := c.Request(context.Background(), "9999999999", otp.PurposeLogin)
	require.NoError(t, err)

	s, err := c.Verify(context.Background(), "000000")
	require.Error(t, err)

	var verr *VerifyError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 2, verr.Remaining)
	assert.ErrorIs(t, err, xerrors.ErrOTPInvalid)
	assert.Equal(t, 2, s.RemainingAttempts)
	assert.Empty(t, s.EnteredCode)
	assert.Equal(t, otp.StatePending, s.State)
	assert.Equal(t, "Invalid code", s.Message)
}

func TestVerify_ExhaustionRejectsLocally(t *testing.T) {
	svc := &mockOTPService{}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.Verify(context.Background(), "000000")
		require.Error(t, err)
	}
	assert.ErrorIs(t, err, xerrors.ErrOTPMaxAttempts)
	assert.Equal(t, otp.StateFailed, c.Snapshot().State)

	_, err = c.Verify(context.Background(), validCode)
	assert.ErrorIs(t, err, xerrors.ErrOTPMaxAttempts)
	assert.EqualValues(t, 3, svc.verifyCalls.Load(), "fourth attempt must not reach the server")

	// Resend restores the attempts.
	s, err := c.Resend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.RemainingAttempts)
	assert.Equal(t, otp.StatePending, s.State)
}

func TestVerify_ServerCountWinsWhenLower(t *testing.T) {
	svc := &mockOTPService{
		VerifyFunc: func(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
			zero := 0
			return &otp.VerifyResponse{Success: false, Message: "Locked", RemainingAttempts: &zero}, nil
		},
	}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	s, err := c.Verify(context.Background(), "000000")
	assert.ErrorIs(t, err, xerrors.ErrOTPMaxAttempts)
	assert.Equal(t, otp.StateFailed, s.State)
}

func TestVerify_NetworkErrorKeepsAttempts(t *testing.T) {
	svc := &mockOTPService{
		VerifyFunc: func(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
			return nil, xerrors.ErrNetwork
		},
	}
	c, _ := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	s, err := c.Verify(context.Background(), validCode)
	assert.ErrorIs(t, err, xerrors.ErrNetwork)
	assert.Equal(t, 3, s.RemainingAttempts)
	assert.Equal(t, otp.StatePending, s.State)
}

func TestVerify_IdempotentSuccess(t *testing.T) {
	svc := &mockOTPService{}
	sess := &mockSession{}
	c, _ := newTestController(svc, sess, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	first, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.True(t, first.Verified)

	second, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, svc.verifyCalls.Load())
	assert.Equal(t, 1, sess.count())
}

func TestVerify_InProgress(t *testing.T) {
	release := make(chan struct{})
	svc := &mockOTPService{
		VerifyFunc: func(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
			<-release
			return &otp.VerifyResponse{Success: true}, nil
		},
	}
	c, _ := newTestController(svc, &mockSession{}, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeReset)

	done := make(chan struct{})
	go func() {
		_, _ = c.Verify(context.Background(), validCode)
		close(done)
	}()
	require.Eventually(t, func() bool { return svc.verifyCalls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.Verify(context.Background(), validCode)
	assert.ErrorIs(t, err, xerrors.ErrVerificationInProgress)

	_, err = c.Resend(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrVerificationInProgress)

	close(release)
	<-done
}

func TestVerify_ExpiredWindow(t *testing.T) {
	svc := &mockOTPService{}
	c, clk := newTestController(svc, &mockSession{}, time.Millisecond)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	clk.Advance(300 * time.Second)
	s, err := c.Verify(context.Background(), validCode)
	assert.ErrorIs(t, err, xerrors.ErrOTPExpired)
	assert.Equal(t, otp.StateExpired, s.State)
	assert.Zero(t, svc.verifyCalls.Load())
}

func TestExpire_TimerFires(t *testing.T) {
	c := NewController(&mockOTPService{}, &mockSession{}, Config{TTL: 20 * time.Millisecond}, nil, nil)
	defer c.Close()

	_, err := c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().State == otp.StateExpired }, time.Second, 5*time.Millisecond)
}

func TestExpire_IgnoresVerified(t *testing.T) {
	c, _ := newTestController(&mockOTPService{}, &mockSession{}, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeReset)
	_, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)

	c.Expire()
	assert.Equal(t, otp.StateVerified, c.Snapshot().State)
}

func TestVerify_LoginPurposeHandsOffTokens(t *testing.T) {
	sess := &mockSession{}
	c, _ := newTestController(&mockOTPService{}, sess, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeRegistration)

	_, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	require.Equal(t, 1, sess.count())
	assert.Equal(t, "access-1", sess.logins[0].AccessToken)
}

func TestVerify_ResetPurposeDoesNotLogin(t *testing.T) {
	sess := &mockSession{}
	c, _ := newTestController(&mockOTPService{}, sess, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeReset)

	_, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.Zero(t, sess.count())
}

func TestVerify_FailedLoginRetriedOnRepeat(t *testing.T) {
	sess := &mockSession{err: errors.New("store down")}
	svc := &mockOTPService{}
	c, _ := newTestController(svc, sess, time.Hour)
	defer c.Close()
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	_, err := c.Verify(context.Background(), validCode)
	require.Error(t, err)

	sess.mu.Lock()
	sess.err = nil
	sess.mu.Unlock()

	_, err = c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.count())
	assert.EqualValues(t, 1, svc.verifyCalls.Load())
}

func TestCompletion_FiresOnce(t *testing.T) {
	c, _ := newTestController(&mockOTPService{}, &mockSession{}, 10*time.Millisecond)
	defer c.Close()

	var fired atomic.Int32
	c.OnComplete(func(s otp.Session) { fired.Add(1) })

	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	_, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	_, err = c.Verify(context.Background(), validCode)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
}

func TestClose_SuppressesCompletion(t *testing.T) {
	c, _ := newTestController(&mockOTPService{}, &mockSession{}, 50*time.Millisecond)

	var fired atomic.Int32
	c.OnComplete(func(s otp.Session) { fired.Add(1) })

	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)
	_, err := c.Verify(context.Background(), validCode)
	require.NoError(t, err)
	c.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, c.Active())
}

func TestClose_DiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	svc := &mockOTPService{
		VerifyFunc: func(ctx context.Context, identifier, code string, purpose otp.Purpose) (*otp.VerifyResponse, error) {
			<-release
			return &otp.VerifyResponse{Success: true, Token: "late"}, nil
		},
	}
	sess := &mockSession{}
	c, _ := newTestController(svc, sess, time.Millisecond)
	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeLogin)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Verify(context.Background(), validCode)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return svc.verifyCalls.Load() == 1 }, time.Second, time.Millisecond)

	c.Close()
	close(release)

	assert.ErrorIs(t, <-errCh, xerrors.ErrNoActiveSession)
	assert.Zero(t, sess.count())
	assert.False(t, c.Active())
}

func TestListenersSeeTransitions(t *testing.T) {
	c, _ := newTestController(&mockOTPService{}, &mockSession{}, time.Hour)
	defer c.Close()

	var mu sync.Mutex
	var states []otp.State
	c.Subscribe(func(s *otp.Session) {
		mu.Lock()
		defer mu.Unlock()
		if s == nil {
			states = append(states, "")
			return
		}
		states = append(states, s.State)
	})

	_, _ = c.Request(context.Background(), "ada@example.com", otp.PurposeReset)
	_, _ = c.Verify(context.Background(), validCode)
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []otp.State{
		otp.StateRequesting, otp.StatePending, otp.StateVerifying, otp.StateVerified, "",
	}, states)
}
