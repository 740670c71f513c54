package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/verdant/internal/client"
	"github.com/drblury/verdant/internal/discovery"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

const testServerURL = "http://127.0.0.1:4000"

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug - 4}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.DiscoveryAddress = "127.0.0.1:0"
	conf.HTTPTimeout = 2 * time.Second
	conf.ShutdownTimeout = 2 * time.Second
	return conf
}

func newTestRuntimeDeps() RuntimeDependencies {
	reg := prometheus.NewRegistry()
	return RuntimeDependencies{Registerer: reg, Gatherer: reg}
}

// fakeAuth answers logins without a network. Accepted credentials are
// alice/secret unless status is set.
type fakeAuth struct {
	mu       sync.Mutex
	status   client.LoginStatus
	loginErr error
	tokenErr error
	block    chan struct{}

	started chan struct{}
	logins  atomic.Int64
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{started: make(chan struct{}, 64)}
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (client.LoginResult, error) {
	f.logins.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}

	f.mu.Lock()
	block, status, loginErr := f.block, f.status, f.loginErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return client.LoginResult{}, ctx.Err()
		}
	}
	if loginErr != nil {
		return client.LoginResult{}, loginErr
	}
	if status == "" {
		status = client.LoginUnauthorized
		if username == "alice" && password == "secret" {
			status = client.LoginSuccess
		}
	}
	res := client.LoginResult{Status: status, Server: testServerURL, Username: username}
	if status == client.LoginSuccess {
		res.Token = "tok-" + username
	}
	return res, nil
}

func (f *fakeAuth) LiveKitToken(context.Context) (client.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return client.TokenResponse{}, f.tokenErr
	}
	return client.TokenResponse{Token: "lk-token", Room: "lobby", URL: "wss://livekit.invalid"}, nil
}

// fakeFactory hands out the same authenticator for every server and records
// how often it was asked.
type fakeFactory struct {
	auth  *fakeAuth
	err   error
	calls atomic.Int64
}

func (f *fakeFactory) Factory() ClientFactory {
	return func(ctx context.Context, server discovery.Server) (Authenticator, error) {
		f.calls.Add(1)
		if f.err != nil {
			return nil, f.err
		}
		return f.auth, nil
	}
}

func newTestService(t *testing.T, deps ServiceDependencies) *Service {
	t.Helper()
	return newTestServiceWithConfig(t, newTestConfig(), deps)
}

func newTestServiceWithConfig(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Runtime == nil && deps.RuntimeDependencies.Registerer == nil {
		deps.RuntimeDependencies = newTestRuntimeDeps()
	}
	svc, err := NewService(conf, newTestLogger(), false, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.CloseTimeout(5 * time.Second) })
	return svc
}

// awaitEvents polls until at least n events arrived and returns all of them.
func awaitEvents(t *testing.T, svc *Service, n int) []Event {
	t.Helper()
	var got []Event
	require.Eventually(t, func() bool {
		for {
			ev := svc.TryRecv()
			if ev.IsNone() {
				break
			}
			got = append(got, ev)
		}
		return len(got) >= n
	}, 5*time.Second, 5*time.Millisecond, "expected %d events", n)
	return got
}

// assertQuiet checks that no further event shows up for a short while.
func assertQuiet(t *testing.T, svc *Service) {
	t.Helper()
	require.Never(t, func() bool { return !svc.TryRecv().IsNone() }, 100*time.Millisecond, 10*time.Millisecond)
}

func decodePayload[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	require.NoError(t, jsoncodec.Unmarshal(ev.Payload, &v))
	return v
}

func registerTestServer(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.AddServer(discovery.Server{ID: "srv-1", URL: testServerURL}))
	events := awaitEvents(t, svc, 1)
	require.Equal(t, EventServerDiscovered, events[0].Tag)
}
