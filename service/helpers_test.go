package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/woosh/adapters/store"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
	"github.com/layer-3/woosh/ports"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu       sync.Mutex
	err      error
	sessions []core.Session
	sent     []core.Message
	purged   []string
}

func (p *recordingPublisher) PublishSessionEstablished(_ context.Context, session core.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, session)
	return p.err
}

func (p *recordingPublisher) PublishMessageSent(_ context.Context, msg core.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return p.err
}

func (p *recordingPublisher) PublishMessagePurged(_ context.Context, _, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, messageID)
	return p.err
}

func (p *recordingPublisher) purgedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.purged...)
}

type testEnv struct {
	store    ports.Store
	clock    *fakeClock
	events   *recordingPublisher
	group    dhkex.Group
	sessions *SessionService
	messages *MessageService
}

func newTestEnv(t *testing.T, opts MessageOptions) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		clock:  newFakeClock(t0),
		events: &recordingPublisher{},
		group:  dhkex.RFC3526Group14(),
	}
	logger := watermill.NopLogger{}
	env.sessions = NewSessionService(env.store, env.group, kdf.DefaultParams(), env.events, env.clock, logger)
	env.messages = NewMessageService(env.store, env.sessions, env.events, env.clock, logger, opts)
	return env
}

// establish opens a session between local and peer the way a client does
// and checks that both sides agree on the key
func (e *testEnv) establish(t *testing.T, local, peer string) *core.SessionHandle {
	t.Helper()
	kp, err := e.group.GenerateKeyPair(nil)
	require.NoError(t, err)

	handle, err := e.sessions.Establish(context.Background(), local, peer, kp.PublicHex())
	require.NoError(t, err)

	if handle.Created {
		secret, err := e.group.SharedSecret(kp.Private, handle.CounterpartPublic)
		require.NoError(t, err)
		key, err := kdf.DefaultParams().DeriveSessionKey(secret)
		require.NoError(t, err)
		require.Equal(t, key, handle.Key)
	}
	return handle
}

// failingStore wraps a store and fails selected operations
type failingStore struct {
	ports.Store
	failDue      bool
	failSchedule bool
	failUpdate   bool
	failEntries  bool
}

var errBackend = errors.New("backend down")

func (s *failingStore) DueExpiries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s.failDue {
		return nil, errBackend
	}
	return s.Store.DueExpiries(ctx, now, limit)
}

func (s *failingStore) SetIfAbsent(ctx context.Context, path string, value []byte) (bool, error) {
	if s.failEntries && strings.HasPrefix(path, "users/") {
		return false, errBackend
	}
	return s.Store.SetIfAbsent(ctx, path, value)
}

func (s *failingStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.failUpdate {
		return errBackend
	}
	return s.Store.Update(ctx, path, fields)
}

func (s *failingStore) ScheduleExpiry(ctx context.Context, path string, at time.Time) error {
	if s.failSchedule {
		return errBackend
	}
	return s.Store.ScheduleExpiry(ctx, path, at)
}
