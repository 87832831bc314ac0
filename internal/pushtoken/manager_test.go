package pushtoken

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/storage"
	"github.com/staybook/realtime/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out tokens in order
type fakeSource struct {
	mu     sync.Mutex
	tokens []string
	calls  atomic.Int32
	delay  time.Duration
}

func (s *fakeSource) Token(ctx context.Context, vapidKey string) (string, time.Duration, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return "", 0, errors.New("no token")
	}
	tok := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return tok, time.Hour, nil
}

// fakeBackend records calls and fails on demand
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	err       error
	hang      bool
	succeeded map[string]bool
}

func (b *fakeBackend) call(ctx context.Context, op, token string) error {
	b.mu.Lock()
	b.calls = append(b.calls, op+" "+token)
	hang, err := b.hang, b.err
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err == nil {
		b.mu.Lock()
		if b.succeeded == nil {
			b.succeeded = make(map[string]bool)
		}
		b.succeeded[op+" "+token] = true
		b.mu.Unlock()
	}
	return err
}

func (b *fakeBackend) RegisterToken(ctx context.Context, token, userID string) error {
	return b.call(ctx, "register", token)
}

func (b *fakeBackend) UnregisterToken(ctx context.Context, token, userID string) error {
	return b.call(ctx, "unregister", token)
}

func (b *fakeBackend) set(err error, hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err, b.hang = err, hang
}

func (b *fakeBackend) did(call string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.succeeded[call]
}

func testConfig() Config {
	return Config{
		UserID:           "7",
		SyncTimeout:      50 * time.Millisecond,
		RetryBase:        time.Second,
		RetryMaxInterval: 10 * time.Second,
		RetryMaxAttempts: 3,
		RetryBatch:       10,
	}
}

func newTestManager(t *testing.T, source *fakeSource, backend *fakeBackend) (*Manager, storage.Storage) {
	t.Helper()
	store, err := storage.CreateStorage(storage.FactoryConfig{Type: storage.MemoryStorage})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(testConfig(), source, backend, store)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, store
}

func activeTokens(t *testing.T, store storage.Storage) []string {
	t.Helper()
	tokens, err := store.ListTokens(context.Background())
	require.NoError(t, err)
	var active []string
	for _, tok := range tokens {
		if tok.Status == domain.TokenActive {
			active = append(active, tok.Value)
		}
	}
	return active
}

func TestManager_AcquireRegisters(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{tokens: []string{"token-a"}}, backend)
	ctx := context.Background()

	result, err := m.Acquire(ctx, "vapid")
	require.NoError(t, err)
	assert.Equal(t, "token-a", result.Token)
	assert.Equal(t, time.Hour, result.ExpiresIn)
	assert.True(t, result.Changed)
	assert.True(t, m.Active())
	assert.True(t, backend.did("register token-a"))

	// Same token again is a no-op
	result, err = m.Acquire(ctx, "vapid")
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, []string{"token-a"}, activeTokens(t, store))
}

func TestManager_RotationNeverLeavesTwoActive(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{tokens: []string{"token-a", "token-b"}}, backend)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "vapid")
	require.NoError(t, err)

	result, err := m.Acquire(ctx, "vapid")
	require.NoError(t, err)
	assert.Equal(t, "token-b", result.Token)
	assert.Equal(t, "token-a", result.Previous)

	a, err := store.GetToken(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenDeleted, a.Status)

	b, err := store.GetToken(ctx, "token-b")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenActive, b.Status)

	assert.Equal(t, []string{"token-b"}, activeTokens(t, store))
	assert.True(t, backend.did("unregister token-a"))
	assert.True(t, backend.did("register token-b"))

	current, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-b", current.Value)
}

func TestManager_RefreshRotates(t *testing.T) {
	m, store := newTestManager(t, &fakeSource{}, &fakeBackend{})
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))
	_, err := m.Refresh(ctx, "token-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"token-c"}, activeTokens(t, store))

	// Registering a second value directly still keeps a single active token
	require.NoError(t, m.Register(ctx, "token-d"))
	assert.Equal(t, []string{"token-d"}, activeTokens(t, store))

	_, err = m.Refresh(ctx, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_ConcurrentAcquireCollapses(t *testing.T) {
	source := &fakeSource{tokens: []string{"token-a"}, delay: 50 * time.Millisecond}
	m, store := newTestManager(t, source, &fakeBackend{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), "vapid")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, []string{"token-a"}, activeTokens(t, store))
}

func TestManager_RegisterFailureIsQueued(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	// Optimistic: no error surfaces and the token is active locally
	require.NoError(t, m.Register(ctx, "token-a"))
	assert.True(t, m.Active())

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OpRegister, pending[0].Op)
	assert.Equal(t, 1, pending[0].Attempts)

	tok, err := store.GetToken(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, 1, tok.RetryCount)
	assert.False(t, tok.LastSyncAttempt.IsZero())
}

func TestManager_PermanentFailureIsNotQueued(t *testing.T) {
	backend := &fakeBackend{err: &client.StatusError{Code: http.StatusUnprocessableEntity, Message: "invalid token"}}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_DeleteWithBackendTimeout(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))
	backend.set(nil, true)

	start := time.Now()
	result, err := m.Delete(ctx, "token-a", "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, domain.TokenDeleted, result.Status)
	assert.Equal(t, DeferredWarning, result.Warning)
	assert.True(t, result.Queued)
	assert.False(t, m.Active())

	tok, err := store.GetToken(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenDeleted, tok.Status)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.OpUnregister, pending[0].Op)
	assert.Equal(t, "token-a", pending[0].Token)
	assert.Equal(t, "7", pending[0].UserID)

	assert.Equal(t, Validation{IsValid: false, Status: domain.TokenDeleted}, m.Validate(ctx, "token-a"))
}

func TestManager_DeleteUnknownToken(t *testing.T) {
	m, _ := newTestManager(t, &fakeSource{}, &fakeBackend{})
	ctx := context.Background()

	result, err := m.Delete(ctx, "never-seen", "9")
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	assert.Equal(t, domain.TokenDeleted, m.Validate(ctx, "never-seen").Status)

	_, err = m.Delete(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_RejectQueuesUnregister(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))
	require.NoError(t, m.Reject(ctx, "token-a"))
	require.NoError(t, m.Reject(ctx, "token-a"))

	assert.Equal(t, Validation{IsValid: false, Status: domain.TokenInvalid}, m.Validate(ctx, "token-a"))
	assert.False(t, m.Active())

	result, err := m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.True(t, backend.did("unregister token-a"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, m.Reject(ctx, "missing"), domain.ErrNotFound)
}

func TestManager_Validate(t *testing.T) {
	m, _ := newTestManager(t, &fakeSource{}, &fakeBackend{})
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))
	assert.Equal(t, Validation{IsValid: true, Status: domain.TokenActive}, m.Validate(ctx, "token-a"))
	assert.Equal(t, Validation{IsValid: false, Status: StatusUnknown}, m.Validate(ctx, "token-z"))
}

func TestManager_ProcessQueueBackoffAndDrop(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Register(ctx, "token-a"))
	backend.set(errors.New("502 bad gateway"), false)
	result, err := m.Delete(ctx, "token-a", "")
	require.NoError(t, err)
	require.True(t, result.Queued)

	// Not due yet
	res, err := m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	// Second failure doubles the delay
	clock = clock.Add(m.Backoff(1))
	res, err = m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rescheduled)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.WithinDuration(t, clock.Add(2*time.Second), pending[0].NextAttemptAt, time.Millisecond)

	// Third failure reaches the cap and drops the task
	clock = clock.Add(m.Backoff(2))
	res, err = m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_ProcessQueueSucceedsLater(t *testing.T) {
	backend := &fakeBackend{err: errors.New("offline")}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Register(ctx, "token-a"))
	backend.set(nil, false)

	clock = clock.Add(time.Minute)
	res, err := m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.True(t, backend.did("register token-a"))

	tok, err := store.GetToken(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, 0, tok.RetryCount)
}

func TestManager_StaleRegisterTaskIsSkipped(t *testing.T) {
	backend := &fakeBackend{err: errors.New("offline")}
	m, _ := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Register(ctx, "token-a"))
	_, err := m.Delete(ctx, "token-a", "")
	require.NoError(t, err)

	backend.set(nil, false)
	clock = clock.Add(time.Minute)
	_, err = m.ProcessQueue(ctx)
	require.NoError(t, err)

	assert.False(t, backend.did("register token-a"), "register for a deleted token is not replayed")
	assert.True(t, backend.did("unregister token-a"))
}

func TestManager_ReissuedTokenSkipsQueuedUnregister(t *testing.T) {
	backend := &fakeBackend{}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Register(ctx, "token-a"))
	backend.set(errors.New("offline"), false)
	result, err := m.Delete(ctx, "token-a", "")
	require.NoError(t, err)
	require.True(t, result.Queued)

	backend.set(nil, false)
	_, err = m.Refresh(ctx, "token-a")
	require.NoError(t, err)
	assert.Equal(t, Validation{IsValid: true, Status: domain.TokenActive}, m.Validate(ctx, "token-a"))

	clock = clock.Add(time.Minute)
	processed, err := m.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Attempted)

	backend.mu.Lock()
	calls := append([]string(nil), backend.calls...)
	backend.mu.Unlock()
	assert.Equal(t, []string{"register token-a", "unregister token-a", "register token-a"}, calls)
	assert.Equal(t, []string{"token-a"}, activeTokens(t, store))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_Backoff(t *testing.T) {
	m := &Manager{config: Config{RetryBase: 5 * time.Second, RetryMaxInterval: time.Minute}}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{30, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestManager_StartRestoresAndDrains(t *testing.T) {
	backend := &fakeBackend{err: errors.New("offline")}
	m, store := newTestManager(t, &fakeSource{}, backend)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "token-a"))

	// Make the queued task due immediately
	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	pending[0].NextAttemptAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Update(ctx, pending[0]))

	backend.set(nil, false)

	// A fresh manager over the same store picks up where the last one stopped
	restarted, err := NewManager(testConfig(), &fakeSource{}, backend, store)
	require.NoError(t, err)
	defer restarted.Shutdown(context.Background())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- restarted.Start(runCtx) }()

	require.Eventually(t, func() bool { return backend.did("register token-a") }, time.Second, 5*time.Millisecond)
	assert.True(t, restarted.Active())

	cancel()
	require.NoError(t, <-done)
}
