package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/perchworks/perch/pkg/log"
	"github.com/rs/zerolog"
)

// Announcer periodically broadcasts an announce datagram for one
// backend server and sends a shutdown datagram on stop. The mock
// backend uses it; real backends implement the same protocol.
type Announcer struct {
	packet   Announce
	addr     string
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAnnouncer creates an announcer targeting the discovery port on
// localhost. The interval should be well under the aggregator's stale
// timeout.
func NewAnnouncer(packet Announce, port int, interval time.Duration) *Announcer {
	return &Announcer{
		packet:   packet,
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
		interval: interval,
		logger:   log.WithComponent("announcer"),
	}
}

// Start begins the announce loop. The first datagram is sent immediately.
func (a *Announcer) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	go a.run(a.stopCh, a.doneCh)
}

// Stop halts the loop and sends a shutdown datagram
func (a *Announcer) Stop() {
	a.mu.Lock()
	stopCh, doneCh := a.stopCh, a.doneCh
	a.stopCh = nil
	a.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh

	a.send(Shutdown{ServerID: a.packet.ServerID, Timestamp: time.Now()})
}

// AnnounceNow sends a single announce datagram out of band
func (a *Announcer) AnnounceNow() {
	pkt := a.packet
	pkt.Timestamp = time.Now()
	a.send(pkt)
}

func (a *Announcer) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.AnnounceNow()
	for {
		select {
		case <-ticker.C:
			a.AnnounceNow()
		case <-stopCh:
			return
		}
	}
}

func (a *Announcer) send(pkt Packet) {
	data, err := EncodePacket(pkt)
	if err != nil {
		a.logger.Error().Err(err).Msg("Encode packet failed")
		return
	}

	conn, err := net.Dial("udp", a.addr)
	if err != nil {
		a.logger.Warn().Err(err).Str("addr", a.addr).Msg("Discovery send failed")
		return
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		a.logger.Warn().Err(err).Msg("Discovery write failed")
	}
}
