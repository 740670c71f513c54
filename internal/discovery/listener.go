package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"

	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

const maxDatagramSize = 64 * 1024

// Listener receives beacons on a UDP address. Multicast addresses join the
// group on all interfaces (or the configured one); any other address is bound
// as a plain unicast socket.
type Listener struct {
	Address   string
	Interface string
	Logger    loggingpkg.ServiceLogger
}

// NewListener returns a Listener for address.
func NewListener(address, iface string, log loggingpkg.ServiceLogger) *Listener {
	if log == nil {
		log = loggingpkg.Nop()
	}
	return &Listener{Address: address, Interface: iface, Logger: log}
}

// Conn is a bound beacon socket.
type Conn struct {
	pc    net.PacketConn
	group *net.UDPAddr
	ifi   *net.Interface
	p     *ipv4.PacketConn

	closeOnce sync.Once
	closeErr  error
}

// LocalAddr reports the bound address.
func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

// Close leaves the multicast group, if joined, and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.p != nil && c.group != nil {
			_ = c.p.LeaveGroup(c.ifi, c.group)
		}
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

// Bind opens the socket. Errors here mean discovery cannot start at all.
func (l *Listener) Bind() (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", l.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery address: %w", err)
	}

	if !addr.IP.IsMulticast() {
		pc, err := net.ListenPacket("udp4", addr.String())
		if err != nil {
			return nil, fmt.Errorf("bind discovery socket: %w", err)
		}
		return &Conn{pc: pc}, nil
	}

	var ifi *net.Interface
	if l.Interface != "" {
		ifi, err = net.InterfaceByName(l.Interface)
		if err != nil {
			return nil, fmt.Errorf("discovery interface %q: %w", l.Interface, err)
		}
	}

	pc, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(addr.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket: %w", err)
	}
	p := ipv4.NewPacketConn(pc)
	group := &net.UDPAddr{IP: addr.IP}
	if err := p.JoinGroup(ifi, group); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", addr.IP, err)
	}
	return &Conn{pc: pc, group: group, ifi: ifi, p: p}, nil
}

// Run binds the socket and serves it until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, found func(Server)) error {
	conn, err := l.Bind()
	if err != nil {
		return err
	}
	return l.Serve(ctx, conn, found)
}

// Serve reads beacons from conn until ctx is cancelled, calling found once per
// beacon id. Malformed datagrams are logged and skipped. conn is closed on
// return.
func (l *Listener) Serve(ctx context.Context, conn *Conn, found func(Server)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	log := l.logger().With(loggingpkg.LogFields{"discovery_address": conn.LocalAddr().String()})
	log.Info("Discovery listener started", nil)

	seen := make(map[string]struct{})
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("Discovery listener stopped", nil)
				return nil
			}
			return fmt.Errorf("read beacon: %w", err)
		}

		beacon, err := ParseBeacon(buf[:n])
		if err != nil {
			log.Debug("Ignoring malformed beacon", loggingpkg.LogFields{"source": src.String(), "error": err.Error()})
			continue
		}
		if _, dup := seen[beacon.ID]; dup {
			continue
		}
		server, err := beacon.Server()
		if err != nil {
			log.Debug("Ignoring beacon", loggingpkg.LogFields{"source": src.String(), "error": err.Error()})
			continue
		}
		seen[beacon.ID] = struct{}{}

		log.Debug("Server discovered", loggingpkg.LogFields{"server_id": server.ID, "url": server.URL})
		found(server)
	}
}

func (l *Listener) logger() loggingpkg.ServiceLogger {
	if l.Logger == nil {
		return loggingpkg.Nop()
	}
	return l.Logger
}
