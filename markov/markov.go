package markov

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// MarkovConn drops outgoing datagrams following a two state Markov chain:
// after a delivered datagram the next one is lost with probability P, after
// a lost one with probability Q. Incoming traffic is not touched.
type MarkovConn struct {
	Conn net.PacketConn
	P    float64
	Q    float64

	mu          sync.Mutex
	rnd         *rand.Rand
	lastDropped bool
	dropped     int
}

// NewMarkovConn wraps conn. A nil rnd seeds a source from the clock.
func NewMarkovConn(conn net.PacketConn, p float64, q float64, rnd *rand.Rand) *MarkovConn {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MarkovConn{Conn: conn, P: p, Q: q, rnd: rnd}
}

func (mc *MarkovConn) drop() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	prob := mc.P
	if mc.lastDropped {
		prob = mc.Q
	}
	mc.lastDropped = mc.rnd.Float64() < prob
	if mc.lastDropped {
		mc.dropped++
	}
	return mc.lastDropped
}

// Dropped returns how many datagrams were discarded so far.
func (mc *MarkovConn) Dropped() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.dropped
}

// A dropped datagram looks sent to the caller.
func (mc *MarkovConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if mc.drop() {
		return len(p), nil
	}
	return mc.Conn.WriteTo(p, addr)
}

func (mc *MarkovConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	return mc.Conn.ReadFrom(p)
}

func (mc *MarkovConn) Close() error {
	return mc.Conn.Close()
}

func (mc *MarkovConn) LocalAddr() net.Addr {
	return mc.Conn.LocalAddr()
}

func (mc *MarkovConn) SetDeadline(t time.Time) error {
	return mc.Conn.SetDeadline(t)
}

func (mc *MarkovConn) SetReadDeadline(t time.Time) error {
	return mc.Conn.SetReadDeadline(t)
}

func (mc *MarkovConn) SetWriteDeadline(t time.Time) error {
	return mc.Conn.SetWriteDeadline(t)
}
