package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

// DefaultAdvertiseInterval matches the beacon period used by verdant servers.
const DefaultAdvertiseInterval = 5 * time.Second

// Advertiser periodically sends a beacon to a target address. Servers use it
// to announce themselves; the client side only needs it in tests and demos.
type Advertiser struct {
	Beacon   Beacon
	Target   string
	Interval time.Duration
	// MulticastTTL limits how many hops multicast beacons travel. Zero keeps
	// the beacons on the local link.
	MulticastTTL int
	Logger       loggingpkg.ServiceLogger
}

// Run sends the beacon immediately and then every Interval until ctx is
// cancelled.
func (a *Advertiser) Run(ctx context.Context) error {
	if err := a.Beacon.Validate(); err != nil {
		return err
	}
	payload, err := a.Beacon.Marshal()
	if err != nil {
		return fmt.Errorf("encode beacon: %w", err)
	}
	dst, err := net.ResolveUDPAddr("udp4", a.Target)
	if err != nil {
		return fmt.Errorf("resolve advertise target: %w", err)
	}

	pc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("open advertise socket: %w", err)
	}
	defer func() { _ = pc.Close() }()

	p := ipv4.NewPacketConn(pc)
	if dst.IP.IsMulticast() {
		ttl := a.MulticastTTL
		if ttl <= 0 {
			ttl = 1
		}
		if err := p.SetMulticastTTL(ttl); err != nil {
			return fmt.Errorf("set multicast ttl: %w", err)
		}
		_ = p.SetMulticastLoopback(true)
	}

	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAdvertiseInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := a.Logger
	if log == nil {
		log = loggingpkg.Nop()
	}
	log = log.With(loggingpkg.LogFields{"beacon_id": a.Beacon.ID, "target": dst.String()})

	for {
		if _, err := p.WriteTo(payload, nil, dst); err != nil {
			log.Error("Beacon send failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
