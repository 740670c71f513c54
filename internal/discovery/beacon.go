// Package discovery finds verdant servers on the local network. Servers
// advertise themselves with small JSON beacons sent over UDP multicast; the
// listener turns each new beacon into a Server the service core can register.
package discovery

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
)

const (
	// Protocol is advertised by every verdant server.
	Protocol = "verdant"
	// Version of the beacon format.
	Version = "0.0.1"
)

// Beacon is the datagram a server multicasts to announce itself.
type Beacon struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
	TTL  uint32 `json:"ttl"`
	// PubKey is the base64 encoded DER public key of the server.
	PubKey string `json:"pubkey"`
}

// Server describes a reachable verdant server. It is produced from a beacon or
// entered manually, and is the payload of ServerDiscovered events.
type Server struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Protocol   string `json:"protocol"`
	Version    string `json:"version"`
	PubKeyHash string `json:"pubkey_hash,omitempty"`
}

// ParseBeacon decodes and validates a beacon datagram.
func ParseBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if err := jsoncodec.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("%w: %v", errspkg.ErrInvalidBeacon, err)
	}
	if err := b.Validate(); err != nil {
		return Beacon{}, err
	}
	return b, nil
}

// Validate checks the fields a listener relies on.
func (b Beacon) Validate() error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: missing id", errspkg.ErrInvalidBeacon)
	case net.ParseIP(b.IP) == nil:
		return fmt.Errorf("%w: bad ip %q", errspkg.ErrInvalidBeacon, b.IP)
	case b.Port == 0:
		return fmt.Errorf("%w: missing port", errspkg.ErrInvalidBeacon)
	}
	return nil
}

// Marshal encodes the beacon for the wire.
func (b Beacon) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(b)
}

// Server derives the server description advertised by the beacon.
func (b Beacon) Server() (Server, error) {
	if err := b.Validate(); err != nil {
		return Server{}, err
	}
	s := Server{
		ID:       b.ID,
		Name:     b.Name,
		URL:      "http://" + net.JoinHostPort(b.IP, strconv.Itoa(int(b.Port))),
		Host:     b.IP,
		Port:     b.Port,
		Protocol: Protocol,
		Version:  Version,
	}
	if b.PubKey != "" {
		hash, err := PubKeyHash(b.PubKey)
		if err != nil {
			return Server{}, fmt.Errorf("%w: %v", errspkg.ErrInvalidBeacon, err)
		}
		s.PubKeyHash = hash
	}
	return s, nil
}

// ManualServer describes a server entered by hand. The URL must be absolute
// http or https; the port defaults from the scheme when missing.
func ManualServer(rawURL, name string) (Server, error) {
	rawURL = strings.TrimRight(rawURL, "/")
	u, err := url.Parse(rawURL)
	if err != nil {
		return Server{}, fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Server{}, fmt.Errorf("server url %q must be absolute http or https", rawURL)
	}

	port := uint64(80)
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Server{}, fmt.Errorf("server url %q has a bad port: %w", rawURL, err)
		}
	}

	return Server{
		ID:       rawURL,
		Name:     name,
		URL:      rawURL,
		Host:     u.Hostname(),
		Port:     uint16(port),
		Protocol: Protocol,
		Version:  Version,
	}, nil
}

// PubKeyHash returns base64(sha256(key)) for a base64 encoded key.
func PubKeyHash(encodedKey string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return "", fmt.Errorf("decode pubkey: %w", err)
	}
	return HashKey(der), nil
}

// HashKey returns base64(sha256(der)).
func HashKey(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:])
}
