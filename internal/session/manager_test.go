package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zette-dev/natron/internal/events"
	"github.com/zette-dev/natron/internal/process"
	"github.com/zette-dev/natron/internal/process/processtest"
)

// fakeAllocator avoids a dependency on internal/workdir in these tests.
type fakeAllocator struct{ root string }

func (f fakeAllocator) Allocate(name, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return f.root + "/" + name, nil
}

func mockFactory(mocks *sync.Map) DriverFactory {
	return func(ctx context.Context, workdir string) (process.Driver, error) {
		m := processtest.New()
		mocks.Store(workdir, m)
		return m, nil
	}
}

func testManager(t *testing.T) (*Manager, *sync.Map) {
	t.Helper()
	var mocks sync.Map
	mgr := NewManager(nil, fakeAllocator{root: t.TempDir()}, mockFactory(&mocks), DefaultPolicy(), nil, "main", 32)
	return mgr, &mocks
}

func TestManager_CreateDefault(t *testing.T) {
	mgr, _ := testManager(t)
	require.NoError(t, mgr.CreateDefault(context.Background()))

	sess, ok := mgr.Get("main")
	require.True(t, ok)
	assert.Equal(t, StateIdle, sess.Status().State)
}

func TestManager_OpenRejectsDuplicateAndInvalidNames(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()

	_, err := mgr.Open(ctx, "alpha", "")
	require.NoError(t, err)

	_, err = mgr.Open(ctx, "alpha", "")
	require.ErrorIs(t, err, ErrNameExists)

	_, err = mgr.Open(ctx, "default", "")
	require.ErrorIs(t, err, ErrNameReserved)

	_, err = mgr.Open(ctx, "has space", "")
	require.ErrorIs(t, err, ErrNameInvalid)

	longName := make([]byte, 65)
	for i := range longName {
		longName[i] = 'a'
	}
	_, err = mgr.Open(ctx, string(longName), "")
	require.ErrorIs(t, err, ErrNameInvalid)
}

func TestManager_CloseRefusesDefault(t *testing.T) {
	mgr, _ := testManager(t)
	require.NoError(t, mgr.CreateDefault(context.Background()))

	err := mgr.Close("main")
	require.ErrorIs(t, err, ErrIsDefault)

	require.NoError(t, mgr.CloseAdmin("main"))
	_, ok := mgr.Get("main")
	assert.False(t, ok)
}

func TestManager_Resolve(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateDefault(ctx))
	_, err := mgr.Open(ctx, "alpha", "")
	require.NoError(t, err)

	name, text := mgr.Resolve("@alpha hello there")
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "hello there", text)

	// Unknown name: falls back to default, text unchanged (P6).
	name, text = mgr.Resolve("@gamma hi")
	assert.Equal(t, "main", name)
	assert.Equal(t, "@gamma hi", text)

	// No prefix at all.
	name, text = mgr.Resolve("plain text")
	assert.Equal(t, "main", name)
	assert.Equal(t, "plain text", text)
}

func TestManager_SetDefault(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateDefault(ctx))
	_, err := mgr.Open(ctx, "alpha", "")
	require.NoError(t, err)

	require.NoError(t, mgr.SetDefault("alpha"))
	name, _ := mgr.Resolve("hi")
	assert.Equal(t, "alpha", name)

	require.NoError(t, mgr.SetDefault(""))
	name, _ = mgr.Resolve("hi")
	assert.Equal(t, "main", name)

	err = mgr.SetDefault("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_List(t *testing.T) {
	mgr, _ := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateDefault(ctx))
	_, err := mgr.Open(ctx, "alpha", "")
	require.NoError(t, err)

	entries := mgr.List()
	assert.Len(t, entries, 2)
}

func TestManager_RespawnEventFiresOnDeath(t *testing.T) {
	var mu sync.Mutex
	var respawned []string

	obs := &capturingObserver{onRespawned: func(e events.SessionRespawned) {
		mu.Lock()
		respawned = append(respawned, e.Name)
		mu.Unlock()
	}}

	var mocks sync.Map
	mgr := NewManager(nil, fakeAllocator{root: t.TempDir()}, mockFactory(&mocks), DefaultPolicy(), obs, "main", 32)

	ctx := context.Background()
	require.NoError(t, mgr.CreateDefault(ctx))

	sess, _ := mgr.Get("main")
	mockDriver, _ := mocks.Load(sess.Workdir)
	mockDriver.(*processtest.Mock).Kill()

	_, err := sess.Ask(ctx, "ping")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, respawned, 1)
	assert.Equal(t, "main", respawned[0])
}

type capturingObserver struct {
	events.NoopObserver
	onRespawned func(events.SessionRespawned)
}

func (c *capturingObserver) OnSessionRespawned(e events.SessionRespawned) {
	if c.onRespawned != nil {
		c.onRespawned(e)
	}
}

func TestSession_ConcurrentAsksAreSerialized(t *testing.T) {
	m := processtest.New()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	m.Handler = func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return prompt, nil
	}

	sess := &Session{
		Name:    "test",
		Workdir: t.TempDir(),
		driver:  m,
		policy:  DefaultPolicy(),
		state:   StateIdle,
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.Ask(context.Background(), "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 1, "Session.Ask must serialize (P1)")
}
