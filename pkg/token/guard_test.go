package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	tu "github.com/ajitpratap0/snowstream/pkg/testutil"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type guardFixture struct {
	guard *Guard
	clock *clock.Fake
	logs  *observer.ObservedLogs
	kp    KeyPair
}

func newGuardFixture(t *testing.T, requested, margin time.Duration, opts ...GuardOption) guardFixture {
	t.Helper()
	policy, err := NewPolicy(requested, margin, DefaultBounds())
	require.NoError(t, err)

	fake := clock.NewFake(epoch)
	log, logs := tu.ObservedLogger(zapcore.DebugLevel)
	kp := KeyPair{Account: "myorg.acct", User: "ingest_svc", Key: tu.RSAKey(t)}

	opts = append([]GuardOption{WithClock(fake), WithLogger(log)}, opts...)
	g, err := NewGuard(kp, policy, opts...)
	require.NoError(t, err)
	return guardFixture{guard: g, clock: fake, logs: logs, kp: kp}
}

func parseClaims(t *testing.T, f guardFixture, tok string) *jwt.RegisteredClaims {
	t.Helper()
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims,
		func(*jwt.Token) (interface{}, error) { return &f.kp.Key.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(f.clock.Now))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	return claims
}

func TestGuard_EnsureValidSignsExpectedClaims(t *testing.T) {
	f := newGuardFixture(t, 10*time.Minute, time.Minute)

	tok, err := f.guard.EnsureValid(context.Background())
	require.NoError(t, err)

	claims := parseClaims(t, f, tok)
	fp, err := Fingerprint(&f.kp.Key.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, "MYORG-ACCT.INGEST_SVC", claims.Subject)
	assert.Equal(t, "MYORG-ACCT.INGEST_SVC."+fp, claims.Issuer)
	assert.Equal(t, epoch, claims.IssuedAt.Time.UTC())
	assert.Equal(t, epoch.Add(10*time.Minute), claims.ExpiresAt.Time.UTC())
	assert.NotEmpty(t, claims.ID)
	assert.Empty(t, claims.Audience)

	env, ok := f.guard.Current()
	require.True(t, ok)
	assert.Equal(t, tok, env.Value)
	assert.Equal(t, claims.ID, env.ID)
	assert.Equal(t, TokenTypeKeypairJWT, f.guard.TokenType())

	entries := f.logs.FilterMessage("token refreshed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, 10*time.Minute, fields["effective_lifetime"])
	assert.Equal(t, false, fields["clamped"])
	assert.Equal(t, claims.ID, fields["jti"])
}

func TestGuard_FingerprintAndAudienceOverride(t *testing.T) {
	policy, err := NewPolicy(time.Hour, 0, DefaultBounds())
	require.NoError(t, err)
	kp := KeyPair{Account: "acct", User: "u", Key: tu.RSAKey(t), Fingerprint: "SHA256:override", Audience: "ingest"}
	g, err := NewGuard(kp, policy, WithClock(clock.NewFake(epoch)), WithLogger(tu.TestLogger(t)))
	require.NoError(t, err)

	tok, err := g.EnsureValid(context.Background())
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(tok, claims)
	require.NoError(t, err)
	assert.Equal(t, "ACCT.U.SHA256:override", claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"ingest"}, claims.Audience)
}

func TestGuard_ReusesTokenOutsideMargin(t *testing.T) {
	f := newGuardFixture(t, 5*time.Minute, time.Minute)
	ctx := context.Background()

	first, err := f.guard.EnsureValid(ctx)
	require.NoError(t, err)

	f.clock.Advance(3*time.Minute + 59*time.Second)
	second, err := f.guard.EnsureValid(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.guard.signings.Load())
}

func TestGuard_RefreshesInsideMargin(t *testing.T) {
	f := newGuardFixture(t, 5*time.Minute, time.Minute)
	ctx := context.Background()

	_, err := f.guard.EnsureValid(ctx)
	require.NoError(t, err)
	before, _ := f.guard.Current()

	f.clock.Advance(4 * time.Minute)
	tok, err := f.guard.EnsureValid(ctx)
	require.NoError(t, err)
	after, _ := f.guard.Current()

	assert.Equal(t, tok, after.Value)
	assert.True(t, after.IssuedAt.After(before.IssuedAt))
	assert.Equal(t, after.IssuedAt.Add(5*time.Minute), after.ExpiresAt)
	assert.Greater(t, after.Remaining(f.clock.Now()), f.guard.Policy().Margin)
	assert.Equal(t, int64(2), f.guard.signings.Load())
}

func TestGuard_ConcurrentCallersCoalesce(t *testing.T) {
	f := newGuardFixture(t, time.Hour, 0)
	ctx := context.Background()

	const callers = 64
	var (
		wg      sync.WaitGroup
		entered atomic.Int32
		signing = make(chan struct{})
		release = make(chan struct{})
		mu      sync.Mutex
		seen    = make(map[string]int)
	)
	f.guard.beforeSign = func() {
		close(signing)
		<-release
	}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entered.Add(1)
			tok, err := f.guard.EnsureValid(ctx)
			assert.NoError(t, err)
			mu.Lock()
			seen[tok]++
			mu.Unlock()
		}()
	}

	<-signing
	require.Eventually(t, func() bool { return entered.Load() == callers }, time.Second, time.Millisecond)
	assert.True(t, f.guard.Refreshing())
	// Let the stragglers reach the flight before it completes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), f.guard.signings.Load())
	require.Len(t, seen, 1)
	for _, n := range seen {
		assert.Equal(t, callers, n)
	}
	assert.Equal(t, callers, f.logs.FilterMessage("joined in-flight token refresh").Len())
	assert.False(t, f.guard.Refreshing())
}

func TestGuard_ForceRefresh(t *testing.T) {
	f := newGuardFixture(t, time.Hour, 0)
	ctx := context.Background()

	first, err := f.guard.EnsureValid(ctx)
	require.NoError(t, err)

	second, err := f.guard.ForceRefresh(ctx, first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int64(2), f.guard.signings.Load())

	// A late caller still holding the first token gets the replacement without a new signing.
	third, err := f.guard.ForceRefresh(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, int64(2), f.guard.signings.Load())
}

func TestGuard_ClampWarningOncePerRequestedValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := newGuardFixture(t, 10*time.Second, 0, WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.guard.EnsureValid(ctx)
		require.NoError(t, err)
		f.clock.Advance(30 * time.Second)
	}

	warnings := f.logs.FilterMessage("token lifetime clamped").All()
	require.Len(t, warnings, 1)
	fields := warnings[0].ContextMap()
	assert.Equal(t, 10*time.Second, fields["requested_lifetime"])
	assert.Equal(t, 30*time.Second, fields["effective_lifetime"])

	assert.Equal(t, 3, f.logs.FilterMessage("token refreshed").Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TokenClamped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("signed")))
}

func TestGuard_NoClampWarningInsideBounds(t *testing.T) {
	f := newGuardFixture(t, 30*time.Minute, 0)
	_, err := f.guard.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.logs.FilterMessage("token lifetime clamped").Len())
}

func TestGuard_CancelledContext(t *testing.T) {
	f := newGuardFixture(t, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.guard.EnsureValid(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.guard.signings.Load())
}

func TestNewGuard_Errors(t *testing.T) {
	policy, err := NewPolicy(time.Hour, 0, DefaultBounds())
	require.NoError(t, err)

	_, err = NewGuard(KeyPair{Account: "a", User: "u"}, policy)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeKey))

	_, err = NewGuard(KeyPair{Account: "a", Key: tu.RSAKey(t)}, policy)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	bad := policy
	bad.Margin = 2 * time.Hour
	_, err = NewGuard(KeyPair{Account: "a", User: "u", Key: tu.RSAKey(t)}, bad)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewGuard(nil, policy)
	require.Error(t, err)

	_, err = NewGuard(PrecomputedToken{}, policy)
	require.Error(t, err)
}

func TestGuard_PrecomputedToken(t *testing.T) {
	exp := epoch.Add(20 * time.Minute)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(epoch),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(tu.RSAKey(t))
	require.NoError(t, err)

	log, logs := tu.ObservedLogger(zapcore.WarnLevel)
	g, err := NewGuard(PrecomputedToken{Value: raw}, Policy{}, WithClock(clock.NewFake(epoch)), WithLogger(log))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessageSnippet("deprecated").Len())

	ctx := context.Background()
	got, err := g.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	forced, err := g.ForceRefresh(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, forced)

	env, ok := g.Current()
	require.True(t, ok)
	assert.Equal(t, exp, env.ExpiresAt.UTC())
	assert.Zero(t, g.signings.Load())
	assert.Equal(t, 1, logs.Len())
}
