package boundary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/verdant/internal/client"
	"github.com/drblury/verdant/internal/client/clienttest"
	"github.com/drblury/verdant/internal/runtime"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
)

// trackingAllocator keeps every buffer reachable until it is freed so tests
// can detect leaks and double frees.
type trackingAllocator struct {
	mu   sync.Mutex
	live map[unsafe.Pointer][]byte
	// frees counts Free calls, including bad ones.
	frees int
	bad   int
}

func newTrackingAllocator() *trackingAllocator {
	return &trackingAllocator{live: map[unsafe.Pointer][]byte{}}
}

func (a *trackingAllocator) Alloc(data []byte) unsafe.Pointer {
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	p := unsafe.Pointer(&buf[0])
	a.mu.Lock()
	a.live[p] = buf
	a.mu.Unlock()
	return p
}

func (a *trackingAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frees++
	if _, ok := a.live[p]; !ok {
		a.bad++
		return
	}
	delete(a.live, p)
}

func (a *trackingAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Bytes returns the payload behind p without its NUL terminator.
func (a *trackingAllocator) Bytes(p unsafe.Pointer) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.live[p]
	if len(buf) == 0 {
		return nil
	}
	return buf[:len(buf)-1]
}

const testServerURL = "http://127.0.0.1:4000"

func newTestConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.DiscoveryAddress = "127.0.0.1:0"
	conf.HTTPTimeout = 2 * time.Second
	conf.ShutdownTimeout = 2 * time.Second
	return conf
}

func newTestAdapter(t *testing.T) (*Adapter, *trackingAllocator) {
	t.Helper()
	reg := prometheus.NewRegistry()
	alloc := newTrackingAllocator()
	return NewAdapter(newTestConfig(), nil, alloc, Options{
		Runtime: runtime.RuntimeDependencies{Registerer: reg, Gatherer: reg},
	}), alloc
}

func recvEvent(t *testing.T, a *Adapter, svc *runtime.Service) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		ev = a.TryRecv(svc)
		return ev.Tag != 0
	}, 5*time.Second, time.Millisecond)
	return ev
}

func TestStatusValues(t *testing.T) {
	assert.EqualValues(t, 0, StatusOK)
	assert.EqualValues(t, -1, StatusInvalidArgument)
	assert.EqualValues(t, -2, StatusClosed)
	assert.EqualValues(t, -3, StatusInternal)
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", Status(7).String())
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{&errspkg.FieldError{Field: "username", Reason: "is required"}, StatusInvalidArgument},
		{errspkg.ErrServiceRequired, StatusInvalidArgument},
		{errspkg.ErrServiceClosed, StatusClosed},
		{fmt.Errorf("wrapped: %w", errspkg.ErrRuntimeClosed), StatusClosed},
		{errors.New("surprise"), StatusInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), "%v", tt.err)
	}
}

func TestNilHandles(t *testing.T) {
	a, alloc := newTestAdapter(t)

	assert.Equal(t, StatusInvalidArgument, a.Login(nil, testServerURL, "alice", "secret"))
	assert.Equal(t, StatusInvalidArgument, a.SetDiscovery(nil, true))
	assert.Equal(t, StatusInvalidArgument, a.AddServer(nil, testServerURL, ""))
	assert.Equal(t, Event{}, a.TryRecv(nil))
	assert.NotPanics(t, func() {
		a.FreeService(nil)
		a.FreeRuntime(nil)
		for range 3 {
			a.Release(nil)
		}
	})
	assert.Zero(t, alloc.frees)
}

func TestFreshServiceReturnsSentinel(t *testing.T) {
	a, _ := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	defer a.FreeService(svc)

	ev := a.TryRecv(svc)
	assert.Zero(t, ev.Tag)
	assert.Nil(t, ev.Payload)
}

func TestLoginValidation(t *testing.T) {
	a, alloc := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	defer a.FreeService(svc)

	assert.Equal(t, StatusInvalidArgument, a.Login(svc, testServerURL, "", "secret"))
	assert.Equal(t, StatusInvalidArgument, a.Login(svc, "not a url", "alice", "secret"))
	assert.Equal(t, StatusInvalidArgument, a.AddServer(svc, "ftp://example.com", ""))

	require.Never(t, func() bool { return a.TryRecv(svc).Tag != 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, alloc.Outstanding())
}

func TestLoginEventPayload(t *testing.T) {
	a, alloc := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	defer a.FreeService(svc)

	require.Equal(t, StatusOK, a.Login(svc, testServerURL, "alice", "secret"))
	ev := recvEvent(t, a, svc)
	assert.EqualValues(t, runtime.EventLoginResult, ev.Tag)
	require.NotNil(t, ev.Payload)

	var res client.LoginResult
	require.NoError(t, jsoncodec.Unmarshal(alloc.Bytes(ev.Payload), &res))
	assert.Equal(t, client.LoginUnknownServer, res.Status)

	a.Release(ev.Payload)
	assert.Zero(t, alloc.Outstanding())
	assert.Zero(t, alloc.bad)
}

func TestPayloadOutlivesService(t *testing.T) {
	a, alloc := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)

	require.Equal(t, StatusOK, a.SetDiscovery(svc, false))
	ev := recvEvent(t, a, svc)
	a.FreeService(svc)

	assert.JSONEq(t, `{"enabled":false}`, string(alloc.Bytes(ev.Payload)))
	a.Release(ev.Payload)
	assert.Zero(t, alloc.Outstanding())
}

func TestLoginAfterFreeReportsClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	a.FreeService(svc)
	a.FreeService(svc)

	assert.Equal(t, StatusClosed, a.Login(svc, testServerURL, "alice", "secret"))
}

func TestFullLoginOverHTTP(t *testing.T) {
	srv := clienttest.New(t)
	a, alloc := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	defer a.FreeService(svc)

	require.Equal(t, StatusOK, a.AddServer(svc, srv.URL, "Test server"))
	ev := recvEvent(t, a, svc)
	require.EqualValues(t, runtime.EventServerDiscovered, ev.Tag)
	a.Release(ev.Payload)

	require.Equal(t, StatusOK, a.Login(svc, srv.URL, "alice", "secret"))
	var tags []uint32
	for range 2 {
		ev := recvEvent(t, a, svc)
		tags = append(tags, ev.Tag)
		a.Release(ev.Payload)
	}
	assert.Equal(t, []uint32{uint32(runtime.EventLoginResult), uint32(runtime.EventLiveKitToken)}, tags)
	assert.Zero(t, alloc.Outstanding())
}

func TestFreeServiceWithBlockedLoginIsBounded(t *testing.T) {
	srv := clienttest.New(t)
	release := srv.HoldLogins()
	defer release()

	a, _ := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)

	require.Equal(t, StatusOK, a.AddServer(svc, srv.URL, ""))
	ev := recvEvent(t, a, svc)
	a.Release(ev.Payload)

	require.Equal(t, StatusOK, a.Login(svc, srv.URL, "alice", "secret"))
	require.Eventually(t, func() bool { return srv.Logins() == 1 }, 5*time.Second, time.Millisecond)

	started := time.Now()
	a.FreeService(svc)
	assert.Less(t, time.Since(started), newTestConfig().ShutdownTimeout)
}

func TestBorrowedRuntimeSurvivesServiceFree(t *testing.T) {
	a, _ := newTestAdapter(t)
	rt, err := a.NewRuntime()
	require.NoError(t, err)
	defer a.FreeRuntime(rt)

	first, err := a.NewService(false, rt)
	require.NoError(t, err)
	a.FreeService(first)
	assert.False(t, rt.Closed())

	second, err := a.NewService(false, rt)
	require.NoError(t, err)
	defer a.FreeService(second)
	require.Equal(t, StatusOK, a.Login(second, testServerURL, "alice", "secret"))
	ev := recvEvent(t, a, second)
	assert.EqualValues(t, runtime.EventLoginResult, ev.Tag)
	a.Release(ev.Payload)
}

func TestFreedRuntimeRejectsServices(t *testing.T) {
	a, _ := newTestAdapter(t)
	rt, err := a.NewRuntime()
	require.NoError(t, err)
	a.FreeRuntime(rt)
	a.FreeRuntime(rt)

	_, err = a.NewService(false, rt)
	assert.ErrorIs(t, err, errspkg.ErrRuntimeClosed)
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	conf := newTestConfig()
	conf.MaxTasks = -1
	a := NewAdapter(conf, nil, newTrackingAllocator(), Options{})

	rt, err := a.NewRuntime()
	assert.Nil(t, rt)
	assert.Error(t, err)
	svc, err := a.NewService(false, nil)
	assert.Nil(t, svc)
	assert.Error(t, err)
}

func TestNewAdapterRequiresAllocator(t *testing.T) {
	assert.Panics(t, func() { NewAdapter(newTestConfig(), nil, nil, Options{}) })
}

func TestStressCyclesDoNotLeakPayloads(t *testing.T) {
	iterations := 2000
	if testing.Short() {
		iterations = 200
	}

	a, alloc := newTestAdapter(t)
	rt, err := a.NewRuntime()
	require.NoError(t, err)
	defer a.FreeRuntime(rt)

	for i := range iterations {
		svc, err := a.NewService(false, rt)
		require.NoError(t, err)

		require.Equal(t, StatusOK, a.Login(svc, testServerURL, fmt.Sprintf("user-%d", i), "pw"))
		ev := recvEvent(t, a, svc)
		require.EqualValues(t, runtime.EventLoginResult, ev.Tag)
		a.Release(ev.Payload)
		a.Release(nil)

		a.FreeService(svc)
	}

	assert.Zero(t, alloc.Outstanding())
	assert.Zero(t, alloc.bad)
	assert.Equal(t, iterations, alloc.frees)
	assert.EqualValues(t, 0, rt.Stats().ActiveTasks)
}

func TestOwnedRuntimeCycles(t *testing.T) {
	a, alloc := newTestAdapter(t)
	for range 50 {
		svc, err := a.NewService(false, nil)
		require.NoError(t, err)
		require.Equal(t, StatusOK, a.Login(svc, testServerURL, "alice", "secret"))
		ev := recvEvent(t, a, svc)
		a.Release(ev.Payload)
		a.FreeService(svc)
		assert.True(t, svc.Runtime().Closed())
	}
	assert.Zero(t, alloc.Outstanding())
}

func TestConcurrentCallers(t *testing.T) {
	a, alloc := newTestAdapter(t)
	svc, err := a.NewService(false, nil)
	require.NoError(t, err)
	defer a.FreeService(svc)

	const senders, perSender = 4, 50
	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perSender {
				assert.Equal(t, StatusOK, a.Login(svc, testServerURL, fmt.Sprintf("s%d-%d", s, i), "pw"))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	received := 0
	for received < senders*perSender && ctx.Err() == nil {
		ev := a.TryRecv(svc)
		if ev.Tag == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		received++
		a.Release(ev.Payload)
	}
	wg.Wait()

	assert.Equal(t, senders*perSender, received)
	assert.Zero(t, alloc.Outstanding())
}
