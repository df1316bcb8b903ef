package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrBindFailed marks a listener that could not bind its UDP socket.
// Fatal at startup only; everything else the listener hits is survivable.
var ErrBindFailed = errors.New("discovery bind failed")

// maxDatagram bounds one discovery datagram read
const maxDatagram = 64 * 1024

// Handler receives every valid decoded packet, in arrival order
type Handler func(Packet)

// Listener receives discovery datagrams on a UDP port and forwards
// decoded packets to its handler. Malformed datagrams are logged and
// dropped; the listener keeps no per-sender state.
type Listener struct {
	port    int
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewListener creates a listener for the given UDP port
func NewListener(port int, handler Handler) *Listener {
	return &Listener{
		port:    port,
		handler: handler,
		logger:  log.WithComponent("discovery"),
	}
}

// Start binds the socket and begins the receive loop.
// Returns ErrBindFailed when the port cannot be bound.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port})
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrBindFailed, l.port, err)
	}

	l.conn = conn
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	go l.receive(conn, l.stopCh, l.doneCh)

	l.logger.Info().Int("port", l.port).Msg("Discovery listener started")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit
func (l *Listener) Stop() {
	l.mu.Lock()
	conn, stopCh, doneCh := l.conn, l.stopCh, l.doneCh
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return
	}
	close(stopCh)
	_ = conn.Close()
	<-doneCh

	l.logger.Info().Msg("Discovery listener stopped")
}

// Port returns the bound UDP port. Useful when started on port 0.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.LocalAddr().(*net.UDPAddr).Port
	}
	return l.port
}

func (l *Listener) receive(conn *net.UDPConn, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			l.logger.Error().Err(err).Msg("UDP read failed")
			continue
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				l.logger.Debug().Str("sender", addr.String()).Err(err).Msg("Ignoring datagram")
			} else {
				l.logger.Warn().Str("sender", addr.String()).Err(err).Msg("Dropping malformed datagram")
			}
			metrics.DiscoveryPacketsTotal.WithLabelValues("invalid").Inc()
			continue
		}

		metrics.DiscoveryPacketsTotal.WithLabelValues(string(pkt.Type())).Inc()
		l.handler(pkt)
	}
}
