//go:build cgo

package main

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/verdant/internal/boundary"
	"github.com/drblury/verdant/internal/client"
	"github.com/drblury/verdant/internal/client/clienttest"
	"github.com/drblury/verdant/internal/runtime"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
)

func TestBuildAdapterFromEnvironment(t *testing.T) {
	t.Setenv("VERDANT_LOG_LEVEL", "error")
	t.Setenv("VERDANT_DISCOVERY_ADDRESS", "127.0.0.1:0")

	a, err := buildAdapter()
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, boundary.StatusInvalidArgument, a.Login(nil, "http://127.0.0.1:1", "alice", "secret"))
}

func TestBuildAdapterFallsBackToDefaults(t *testing.T) {
	t.Setenv("VERDANT_LOG_LEVEL", "loud")

	a, err := buildAdapter()
	assert.Error(t, err)
	assert.NotNil(t, a)
}

type hostEvent struct {
	tag        uint32
	payload    string
	hasPayload bool
}

func awaitHostEvent(t *testing.T, svc hostService) hostEvent {
	t.Helper()
	var ev hostEvent
	require.Eventually(t, func() bool {
		ev.tag, ev.payload, ev.hasPayload = svc.tryRecv()
		return ev.tag != uint32(runtime.EventNone)
	}, 5*time.Second, time.Millisecond)
	require.True(t, ev.hasPayload, "event %d without payload", ev.tag)
	return ev
}

func decodeHostPayload[T any](t *testing.T, ev hostEvent) T {
	t.Helper()
	var v T
	require.NoError(t, jsoncodec.Unmarshal([]byte(ev.payload), &v))
	return v
}

func TestAllocatorTerminatesPayload(t *testing.T) {
	var alloc cAllocator
	p := alloc.Alloc([]byte(`{"a":1}`))
	require.NotNil(t, p)
	defer alloc.Free(p)

	buf := unsafe.Slice((*byte)(p), 8)
	assert.Equal(t, `{"a":1}`, string(buf[:7]))
	assert.Zero(t, buf[7])

	empty := alloc.Alloc(nil)
	require.NotNil(t, empty)
	assert.Zero(t, *(*byte)(empty))
	alloc.Free(empty)
}

func TestExportsHandleNullArguments(t *testing.T) {
	var none hostService
	assert.False(t, none.valid())
	assert.Equal(t, int32(boundary.StatusInvalidArgument), none.login("http://127.0.0.1:1", "alice", "secret"))
	assert.Equal(t, int32(boundary.StatusInvalidArgument), none.setDiscovery(true))
	assert.Equal(t, int32(boundary.StatusInvalidArgument), none.addServer("http://127.0.0.1:1", ""))
	tag, _, ok := none.tryRecv()
	assert.Equal(t, uint32(runtime.EventNone), tag)
	assert.False(t, ok)

	none.free()
	verdant_runtime_free(nil)
	verdant_free_cstring(nil)
	verdant_free_cstring(nil)
}

func TestServiceOverOwnedRuntime(t *testing.T) {
	svc := newHostService(false, nil)
	require.True(t, svc.valid())
	defer svc.free()

	tag, _, ok := svc.tryRecv()
	assert.Equal(t, uint32(runtime.EventNone), tag)
	assert.False(t, ok)

	assert.Equal(t, int32(boundary.StatusInvalidArgument), svc.login("http://127.0.0.1:1", "", "secret"))
	assert.Equal(t, int32(boundary.StatusInvalidArgument), svc.loginWithoutPassword("http://127.0.0.1:1", "alice"))

	require.Equal(t, int32(boundary.StatusOK), svc.login("http://127.0.0.1:1", "alice", "secret"))
	ev := awaitHostEvent(t, svc)
	require.Equal(t, uint32(runtime.EventLoginResult), ev.tag)
	res := decodeHostPayload[client.LoginResult](t, ev)
	assert.Equal(t, client.LoginUnknownServer, res.Status)
	assert.Equal(t, "http://127.0.0.1:1", res.Server)
}

func TestServiceLoginAcrossTheABI(t *testing.T) {
	srv := clienttest.New(t)

	rt := newHostRuntime()
	defer rt.discard()
	require.NotZero(t, rt.id())

	svc := newHostService(false, &rt)
	require.True(t, svc.valid())

	require.Equal(t, int32(boundary.StatusOK), svc.addServer(srv.URL, "lab"))
	ev := awaitHostEvent(t, svc)
	require.Equal(t, uint32(runtime.EventServerDiscovered), ev.tag)

	require.Equal(t, int32(boundary.StatusOK), svc.login(srv.URL, "alice", "secret"))
	ev = awaitHostEvent(t, svc)
	require.Equal(t, uint32(runtime.EventLoginResult), ev.tag)
	res := decodeHostPayload[client.LoginResult](t, ev)
	assert.Equal(t, client.LoginSuccess, res.Status)
	assert.Equal(t, clienttest.Token("alice"), res.Token)

	ev = awaitHostEvent(t, svc)
	require.Equal(t, uint32(runtime.EventLiveKitToken), ev.tag)
	grant := decodeHostPayload[client.TokenGrant](t, ev)
	assert.Equal(t, clienttest.LiveKitToken(clienttest.Token("alice")), grant.Token)

	svc.free()

	// The borrowed runtime outlives the service and takes another one.
	again := newHostService(false, &rt)
	require.True(t, again.valid())
	again.free()

	rt.free()
	assert.Zero(t, rt.id())
	rt.free()
	assert.Zero(t, rt.id())

	// An emptied runtime handle means "create one for me".
	owned := newHostService(false, &rt)
	require.True(t, owned.valid())
	owned.free()
}
