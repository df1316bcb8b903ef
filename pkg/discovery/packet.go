package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PacketType identifies a discovery datagram variant
type PacketType string

const (
	PacketAnnounce PacketType = "announce"
	PacketShutdown PacketType = "shutdown"
)

// ErrUnknownType marks a datagram whose type field is not recognized.
// Such datagrams are ignored, not treated as failures.
var ErrUnknownType = errors.New("unknown packet type")

// Packet is a decoded discovery datagram
type Packet interface {
	Type() PacketType
	Server() string
}

// Announce advertises a backend server's presence
type Announce struct {
	ServerID   string
	ServerURL  string
	ServerName string
	Project    string
	Branch     string
	Version    string
	Timestamp  time.Time
}

// Shutdown signals a backend server going away
type Shutdown struct {
	ServerID  string
	Timestamp time.Time
}

// Type returns the packet variant
func (a Announce) Type() PacketType { return PacketAnnounce }

// Server returns the announcing server's id
func (a Announce) Server() string { return a.ServerID }

// Type returns the packet variant
func (s Shutdown) Type() PacketType { return PacketShutdown }

// Server returns the departing server's id
func (s Shutdown) Server() string { return s.ServerID }

// wirePacket is the JSON frame shared by both variants. Unknown fields
// are ignored by encoding/json, as the protocol requires.
type wirePacket struct {
	Type       string `json:"type"`
	ServerID   string `json:"serverId"`
	ServerURL  string `json:"serverUrl,omitempty"`
	ServerName string `json:"serverName,omitempty"`
	Project    string `json:"project,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Version    string `json:"version,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// DecodePacket parses and validates one discovery datagram.
// It returns ErrUnknownType for unrecognized type values.
func DecodePacket(data []byte) (Packet, error) {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}

	switch PacketType(w.Type) {
	case PacketAnnounce:
		if w.ServerID == "" || w.ServerURL == "" || w.ServerName == "" {
			return nil, fmt.Errorf("announce from %q missing required fields", w.ServerID)
		}
		normalized, err := NormalizeURL(w.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("announce from %q: %w", w.ServerID, err)
		}
		return Announce{
			ServerID:   w.ServerID,
			ServerURL:  normalized,
			ServerName: w.ServerName,
			Project:    w.Project,
			Branch:     w.Branch,
			Version:    w.Version,
			Timestamp:  time.UnixMilli(w.Timestamp),
		}, nil
	case PacketShutdown:
		if w.ServerID == "" {
			return nil, errors.New("shutdown missing serverId")
		}
		return Shutdown{
			ServerID:  w.ServerID,
			Timestamp: time.UnixMilli(w.Timestamp),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// EncodePacket serializes a packet into its datagram form
func EncodePacket(p Packet) ([]byte, error) {
	var w wirePacket
	switch pkt := p.(type) {
	case Announce:
		w = wirePacket{
			Type:       string(PacketAnnounce),
			ServerID:   pkt.ServerID,
			ServerURL:  pkt.ServerURL,
			ServerName: pkt.ServerName,
			Project:    pkt.Project,
			Branch:     pkt.Branch,
			Version:    pkt.Version,
			Timestamp:  pkt.Timestamp.UnixMilli(),
		}
	case Shutdown:
		w = wirePacket{
			Type:      string(PacketShutdown),
			ServerID:  pkt.ServerID,
			Timestamp: pkt.Timestamp.UnixMilli(),
		}
	default:
		return nil, fmt.Errorf("unsupported packet type %T", p)
	}
	return json.Marshal(w)
}

// NormalizeURL validates a backend base URL and returns its canonical
// form: http or https scheme, explicit port, no trailing slash, no
// duplicate slashes inside the path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http":
		if u.Port() == "" {
			u.Host = u.Hostname() + ":80"
		}
	case "https":
		if u.Port() == "" {
			u.Host = u.Hostname() + ":443"
		}
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Path = collapseSlashes(u.Path)
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

// collapseSlashes squeezes runs of slashes inside a path into one.
// The scheme separator never reaches here; url.Parse strips it.
func collapseSlashes(path string) string {
	if !strings.Contains(path, "//") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	var prev rune
	for _, r := range path {
		if r == '/' && prev == '/' {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
