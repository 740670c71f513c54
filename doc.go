// Package verdant bridges a synchronous caller and the asynchronous verdant
// login and discovery service.
//
// A Service accepts commands through non-blocking calls (Login, SetDiscovery,
// AddServer) and hands results back through TryRecv, which returns the
// EventNone sentinel when nothing is queued. Commands run one at a time, in
// submission order, on a Watermill router hosted by a Runtime; the events they
// produce keep that order.
//
// A Service either owns its Runtime, created when ServiceDependencies.Runtime
// is nil and closed with the Service, or borrows one supplied by the caller.
// A borrowed Runtime may be shared by any number of Services and outlives
// them.
//
// # Events
//
// Every outcome of a command, failures included, arrives as an Event:
//   - EventLoginResult: success, password_reset, unauthorized or unknown_server
//   - EventLiveKitToken: follows a successful login
//   - EventServerDiscovered: a server found by the beacon listener or added by hand
//   - EventDiscoveryState: the listener was started or stopped
//   - EventError: server_unreachable, discovery_failed, invalid_command or internal
//
// Payloads are JSON documents; decode them with Unmarshal into LoginResult,
// TokenGrant, Server, DiscoveryState or ErrorPayload.
//
// # C library
//
// cmd/libverdant builds the same API as a C shared library. See verdant.h
// in that directory for the exported functions.
package verdant
