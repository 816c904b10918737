package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	spec    ChannelSpec
	deliver func(*ChangeEvent)
}

func (h *fakeHandle) Spec() ChannelSpec { return h.spec }

// fakeTransport records channel lifecycle calls and lets tests push events
type fakeTransport struct {
	mu      sync.Mutex
	opens   []Key
	closes  []Key
	live    map[Key]*fakeHandle
	openErr error

	// gates holds OpenChannel for a key until the channel is closed;
	// started receives the key of every open that reached its gate
	gates   map[Key]chan struct{}
	started chan Key
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{live: make(map[Key]*fakeHandle)}
}

func (f *fakeTransport) OpenChannel(spec ChannelSpec, deliver func(*ChangeEvent)) (ChannelHandle, error) {
	f.mu.Lock()
	gate, started := f.gates[spec.Key], f.started
	f.mu.Unlock()
	if gate != nil {
		started <- spec.Key
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	h := &fakeHandle{spec: spec, deliver: deliver}
	f.opens = append(f.opens, spec.Key)
	f.live[spec.Key] = h
	return h, nil
}

func (f *fakeTransport) CloseChannel(handle ChannelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := handle.Spec().Key
	f.closes = append(f.closes, key)
	delete(f.live, key)
	return nil
}

// emit delivers ev on the live channel for key, if any
func (f *fakeTransport) emit(key Key, ev *ChangeEvent) bool {
	f.mu.Lock()
	h, ok := f.live[key]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h.deliver(ev)
	return true
}

func (f *fakeTransport) handle(key Key) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[key]
}

func (f *fakeTransport) counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens), len(f.closes)
}

// gate makes opens of key block until the returned channel is closed
func (f *fakeTransport) gate(key Key) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[Key]chan struct{})
		f.started = make(chan Key, 8)
	}
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	r, err := NewRegistry(ft)
	require.NoError(t, err)
	return r, ft
}

func TestNewRegistry_RequiresTransport(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.Error(t, err)
}

func TestRegistry_SameKeySharesChannel(t *testing.T) {
	r, ft := newTestRegistry(t)

	var got1, got2 []*ChangeEvent
	unsub1, err := r.Subscribe("documents", func(e *ChangeEvent) { got1 = append(got1, e) }, Options{})
	require.NoError(t, err)
	unsub2, err := r.Subscribe("documents", func(e *ChangeEvent) { got2 = append(got2, e) }, Options{Schema: "public", Event: EventAll})
	require.NoError(t, err)

	opens, _ := ft.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, r.SubscriptionCount())

	ev := &ChangeEvent{Type: EventUpdate, Schema: "public", Table: "documents"}
	require.True(t, ft.emit("public:documents:*", ev))
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Same(t, ev, got1[0])
	assert.Same(t, ev, got2[0])

	unsub1()
	assert.Equal(t, 1, r.SubscriptionCount())
	_, closes := ft.counts()
	assert.Equal(t, 0, closes)

	unsub2()
	assert.Equal(t, 0, r.SubscriptionCount())
	_, closes = ft.counts()
	assert.Equal(t, 1, closes)
}

func TestRegistry_DistinctKeysOpenDistinctChannels(t *testing.T) {
	r, ft := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	_, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", noop, Options{Event: EventInsert})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", noop, Options{Filter: "owner_id=eq.7"})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", noop, Options{Schema: "archive"})
	require.NoError(t, err)

	opens, _ := ft.counts()
	assert.Equal(t, 4, opens)
	assert.Equal(t, 4, r.SubscriptionCount())
}

func TestRegistry_FanOutInRegistrationOrder(t *testing.T) {
	r, ft := newTestRegistry(t)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		_, err := r.Subscribe("permits", func(*ChangeEvent) { order = append(order, i) }, Options{})
		require.NoError(t, err)
	}

	ft.emit("public:permits:*", &ChangeEvent{Type: EventInsert, Table: "permits"})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegistry_UnsubscribeIsIdempotent(t *testing.T) {
	r, ft := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	unsubA, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)
	unsubB, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)

	// A second call to A must not release B's registration
	unsubA()
	unsubA()
	assert.Equal(t, 1, r.SubscriptionCount())
	_, closes := ft.counts()
	assert.Equal(t, 0, closes)

	unsubB()
	unsubB()
	_, closes = ft.counts()
	assert.Equal(t, 1, closes)
}

func TestRegistry_SameCallbackRegisteredTwice(t *testing.T) {
	r, ft := newTestRegistry(t)

	calls := 0
	cb := func(*ChangeEvent) { calls++ }

	unsub1, err := r.Subscribe("documents", cb, Options{})
	require.NoError(t, err)
	unsub2, err := r.Subscribe("documents", cb, Options{})
	require.NoError(t, err)

	ft.emit("public:documents:*", &ChangeEvent{Type: EventInsert})
	assert.Equal(t, 2, calls)

	unsub1()
	ft.emit("public:documents:*", &ChangeEvent{Type: EventInsert})
	assert.Equal(t, 3, calls)

	unsub2()
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_SameCallbackAcrossKeys(t *testing.T) {
	r, ft := newTestRegistry(t)

	calls := 0
	cb := func(*ChangeEvent) { calls++ }

	unsubDocs, err := r.Subscribe("documents", cb, Options{})
	require.NoError(t, err)
	unsubPermits, err := r.Subscribe("permits", cb, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.SubscriptionCount())

	unsubDocs()
	assert.Equal(t, 1, r.SubscriptionCount())
	assert.True(t, ft.emit("public:permits:*", &ChangeEvent{Type: EventDelete}))
	assert.Equal(t, 1, calls)

	unsubPermits()
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_CallbackPanicIsIsolated(t *testing.T) {
	r, ft := newTestRegistry(t)

	var before, after int
	_, err := r.Subscribe("documents", func(*ChangeEvent) { before++ }, Options{})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", func(*ChangeEvent) { panic("boom") }, Options{})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", func(*ChangeEvent) { after++ }, Options{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		ft.emit("public:documents:*", &ChangeEvent{Type: EventUpdate})
	})
	assert.Equal(t, 1, before)
	assert.Equal(t, 1, after)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRegistry_OpenFailureLeavesNoEntry(t *testing.T) {
	r, ft := newTestRegistry(t)
	ft.openErr = errors.New("connection refused")

	unsub, err := r.Subscribe("documents", func(*ChangeEvent) {}, Options{})
	require.Error(t, err)
	assert.Nil(t, unsub)
	assert.ErrorIs(t, err, ErrChannelOpen)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, r.SubscriptionCount())

	// The next subscriber retries the open
	ft.openErr = nil
	unsub, err = r.Subscribe("documents", func(*ChangeEvent) {}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.SubscriptionCount())
	unsub()
}

func TestRegistry_InvalidInputs(t *testing.T) {
	r, ft := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	_, err := r.Subscribe("", noop, Options{})
	assert.ErrorIs(t, err, ErrInvalidTable)

	_, err = r.Subscribe("doc:uments", noop, Options{})
	assert.ErrorIs(t, err, ErrInvalidTable)

	_, err = r.Subscribe("documents", noop, Options{Schema: "pub lic"})
	assert.ErrorIs(t, err, ErrInvalidTable)

	_, err = r.Subscribe("documents", noop, Options{Event: "UPSERT"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = r.Subscribe("documents", nil, Options{})
	assert.ErrorIs(t, err, ErrNilCallback)

	opens, _ := ft.counts()
	assert.Equal(t, 0, opens)
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_CleanupAll(t *testing.T) {
	r, ft := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	unsubDocs, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)
	_, err = r.Subscribe("permits", noop, Options{Event: EventInsert})
	require.NoError(t, err)
	_, err = r.Subscribe("inspections", noop, Options{Filter: "status=eq.open"})
	require.NoError(t, err)
	require.Equal(t, 3, r.SubscriptionCount())

	r.CleanupAll()
	assert.Equal(t, 0, r.SubscriptionCount())
	_, closes := ft.counts()
	assert.Equal(t, 3, closes)
	assert.Equal(t, []Key{
		"public:documents:*",
		"public:inspections:*:status=eq.open",
		"public:permits:INSERT",
	}, ft.closes)

	// Handles issued before cleanup are inert
	unsubDocs()
	r.CleanupAll()
	_, closes = ft.counts()
	assert.Equal(t, 3, closes)
}

func TestRegistry_CleanupAllThenResubscribe(t *testing.T) {
	r, ft := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	stale, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)
	r.CleanupAll()

	fresh, err := r.Subscribe("documents", noop, Options{})
	require.NoError(t, err)
	opens, _ := ft.counts()
	assert.Equal(t, 2, opens)

	// The stale handle must not tear down the new channel
	stale()
	assert.Equal(t, 1, r.SubscriptionCount())

	fresh()
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRegistry_StaleDeliveryDropped(t *testing.T) {
	r, ft := newTestRegistry(t)

	calls := 0
	unsub, err := r.Subscribe("documents", func(*ChangeEvent) { calls++ }, Options{})
	require.NoError(t, err)

	h := ft.handle("public:documents:*")
	require.NotNil(t, h)
	unsub()

	// Late delivery after the channel closed
	h.deliver(&ChangeEvent{Type: EventUpdate})
	assert.Equal(t, 0, calls)
}

func TestRegistry_UnsubscribeDuringDispatch(t *testing.T) {
	r, ft := newTestRegistry(t)

	var unsubSecond Unsubscribe
	secondCalls := 0
	_, err := r.Subscribe("documents", func(*ChangeEvent) { unsubSecond() }, Options{})
	require.NoError(t, err)
	unsubSecond, err = r.Subscribe("documents", func(*ChangeEvent) { secondCalls++ }, Options{})
	require.NoError(t, err)

	// The snapshot taken for this event still includes the second callback
	ft.emit("public:documents:*", &ChangeEvent{Type: EventUpdate})
	assert.Equal(t, 1, secondCalls)

	ft.emit("public:documents:*", &ChangeEvent{Type: EventUpdate})
	assert.Equal(t, 1, secondCalls)
}

func TestRegistry_Channels(t *testing.T) {
	r, _ := newTestRegistry(t)
	noop := func(*ChangeEvent) {}

	_, err := r.Subscribe("permits", noop, Options{Event: EventDelete})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", noop, Options{Filter: "owner_id=eq.7"})
	require.NoError(t, err)
	_, err = r.Subscribe("documents", noop, Options{Filter: "owner_id=eq.7"})
	require.NoError(t, err)

	infos := r.Channels()
	require.Len(t, infos, 2)
	assert.Equal(t, Key("public:documents:*:owner_id=eq.7"), infos[0].Key)
	assert.Equal(t, 2, infos[0].Callbacks)
	assert.Equal(t, "owner_id=eq.7", infos[0].Filter)
	assert.Equal(t, "permits", infos[1].Table)
	assert.Equal(t, EventDelete, infos[1].Event)
}

func TestRegistry_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	r, ft := newTestRegistry(t)

	const workers = 16
	const rounds = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				unsub, err := r.Subscribe("documents", func(*ChangeEvent) {}, Options{})
				if err != nil {
					t.Errorf("subscribe failed: %v", err)
					return
				}
				unsub()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.SubscriptionCount())
	opens, closes := ft.counts()
	assert.Equal(t, opens, closes)
}

type subscribeResult struct {
	unsub Unsubscribe
	err   error
}

func subscribeAsync(r *Registry, table string, cb Callback) <-chan subscribeResult {
	done := make(chan subscribeResult, 1)
	go func() {
		unsub, err := r.Subscribe(table, cb, Options{})
		done <- subscribeResult{unsub: unsub, err: err}
	}()
	return done
}

func TestRegistry_SlowOpenDoesNotBlockOtherKeys(t *testing.T) {
	r, ft := newTestRegistry(t)

	var permits []*ChangeEvent
	_, err := r.Subscribe("permits", func(e *ChangeEvent) { permits = append(permits, e) }, Options{})
	require.NoError(t, err)

	release := ft.gate("public:documents:*")
	done := subscribeAsync(r, "documents", func(*ChangeEvent) {})
	require.Equal(t, Key("public:documents:*"), <-ft.started)

	// The documents open is parked inside the transport
	require.True(t, ft.emit("public:permits:*", &ChangeEvent{Type: EventInsert, Table: "permits"}))
	assert.Len(t, permits, 1)
	assert.Equal(t, 1, r.SubscriptionCount())
	assert.Len(t, r.Channels(), 1)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 2, r.SubscriptionCount())
}

func TestRegistry_ConcurrentSameKeyOpensOnce(t *testing.T) {
	r, ft := newTestRegistry(t)

	var mu sync.Mutex
	var calls []string
	record := func(name string) Callback {
		return func(*ChangeEvent) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	release := ft.gate("public:documents:*")
	first := subscribeAsync(r, "documents", record("first"))
	<-ft.started
	second := subscribeAsync(r, "documents", record("second"))

	close(release)
	require.NoError(t, (<-first).err)
	require.NoError(t, (<-second).err)

	opens, _ := ft.counts()
	assert.Equal(t, 1, opens)
	require.Len(t, r.Channels(), 1)
	assert.Equal(t, 2, r.Channels()[0].Callbacks)

	ft.emit("public:documents:*", &ChangeEvent{Type: EventUpdate, Table: "documents"})
	assert.ElementsMatch(t, []string{"first", "second"}, calls)
}

func TestRegistry_SlowOpenFailureReachesWaiters(t *testing.T) {
	r, ft := newTestRegistry(t)
	ft.openErr = errors.New("realtime unavailable")

	release := ft.gate("public:documents:*")
	first := subscribeAsync(r, "documents", func(*ChangeEvent) {})
	<-ft.started
	second := subscribeAsync(r, "documents", func(*ChangeEvent) {})

	close(release)
	for _, done := range []<-chan subscribeResult{first, second} {
		res := <-done
		assert.ErrorIs(t, res.err, ErrChannelOpen)
		assert.Nil(t, res.unsub)
	}
	assert.Equal(t, 0, r.SubscriptionCount())
	assert.Empty(t, r.Channels())
}

func TestRegistry_CleanupAllDuringOpen(t *testing.T) {
	r, ft := newTestRegistry(t)

	var got []*ChangeEvent
	release := ft.gate("public:documents:*")
	done := subscribeAsync(r, "documents", func(e *ChangeEvent) { got = append(got, e) })
	<-ft.started

	r.CleanupAll()
	assert.Equal(t, uint64(1), r.Generation())
	close(release)

	res := <-done
	require.NoError(t, res.err)

	// The swept handle was closed and the subscriber got a fresh channel
	opens, closes := ft.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, r.SubscriptionCount())

	ft.emit("public:documents:*", &ChangeEvent{Type: EventInsert, Table: "documents"})
	assert.Len(t, got, 1)

	res.unsub()
	assert.Equal(t, 0, r.SubscriptionCount())
}
