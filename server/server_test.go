package server

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

func createTestServer(t *testing.T, cfg core.Config) *Server {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err, "Creating server failed")
	cfg.OutputDir = t.TempDir()
	s := New(conn, &cfg)
	t.Cleanup(func() { s.Conn.Close() })
	return s
}

func createTestClient(t *testing.T) net.PacketConn {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err, "Creating client failed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receiveAsync(t *testing.T, s *Server) chan *Outcome {
	results := make(chan *Outcome, 1)
	go func() {
		outcome, err := s.Receive()
		assert.NoError(t, err)
		results <- outcome
	}()
	return results
}

func waitOutcome(t *testing.T, results chan *Outcome) *Outcome {
	select {
	case o := <-results:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
		return nil
	}
}

func send(t *testing.T, conn net.PacketConn, s *Server, data []byte) {
	_, err := conn.WriteTo(data, s.Conn.LocalAddr())
	require.NoError(t, err)
}

func sendChunk(t *testing.T, conn net.PacketConn, s *Server, id, seq, total uint32, payload string) {
	send(t, conn, s, messages.Encode(messages.Chunk{TransferID: id, Sequence: seq, Total: total, Payload: []byte(payload)}))
}

func readAcks(t *testing.T, conn net.PacketConn, n int) []uint32 {
	buf := make([]byte, 16)
	acks := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		m, _, err := conn.ReadFrom(buf)
		require.NoError(t, err, "waiting for ack %d", i)
		require.Equal(t, messages.AckSize, m)
		seq, ok := messages.DecodeAck(buf[:m])
		require.True(t, ok)
		acks = append(acks, seq)
	}
	return acks
}

func assertNoDatagram(t *testing.T, conn net.PacketConn) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadFrom(make([]byte, 16))
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "expected no datagram, got %v", err)
}

func TestReceiveOutOfOrder(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 42, 2, 3, "!")
	sendChunk(t, c, s, 42, 0, 3, "hello")
	sendChunk(t, c, s, 42, 0, 3, "HELLO")
	send(t, c, s, []byte("xy"))
	sendChunk(t, c, s, 42, 1, 3, " world")

	// duplicates are acknowledged again, garbage is not
	assert.Equal(t, []uint32{2, 0, 0, 1}, readAcks(t, c, 4))
	send(t, c, s, messages.FinishSignal)

	o := waitOutcome(t, results)
	require.NoError(t, o.Err)
	assert.Equal(t, core.Complete, o.Phase)
	assert.Equal(t, uint32(42), o.TransferID)
	assert.Equal(t, s.OutputPath(42), o.Path)

	data, err := os.ReadFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(data))
}

func TestReceiveRejectsForeignChunks(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 1, 0, 2, "a")
	assert.Equal(t, []uint32{0}, readAcks(t, c, 1))

	sendChunk(t, c, s, 2, 1, 2, "other transfer")
	sendChunk(t, c, s, 1, 1, 3, "other total")
	sendChunk(t, c, s, 1, 5, 2, "out of range")
	assertNoDatagram(t, c)

	sendChunk(t, c, s, 1, 1, 2, "b")
	assert.Equal(t, []uint32{1}, readAcks(t, c, 1))
	send(t, c, s, messages.FinishSignal)

	o := waitOutcome(t, results)
	require.NoError(t, o.Err)
	data, err := os.ReadFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestReceiveIncomplete(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 3, 0, 3, "a")
	sendChunk(t, c, s, 3, 2, 3, "c")
	readAcks(t, c, 2)
	send(t, c, s, messages.FinishSignal)

	o := waitOutcome(t, results)
	assert.Equal(t, core.Incomplete, o.Phase)
	assert.Equal(t, uint32(3), o.Expected)
	assert.Equal(t, 2, o.Received)
	assert.Empty(t, o.Path)

	var incomplete *core.IncompleteTransferError
	require.True(t, errors.As(o.Err, &incomplete))
	assert.True(t, incomplete.TotalKnown)

	_, err := os.Stat(s.OutputPath(3))
	assert.True(t, os.IsNotExist(err), "no partial file may be written")
}

func TestReceiveFinishFirst(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	send(t, c, s, messages.FinishSignal)

	o := waitOutcome(t, results)
	assert.Equal(t, core.Incomplete, o.Phase)
	var incomplete *core.IncompleteTransferError
	require.True(t, errors.As(o.Err, &incomplete))
	assert.False(t, incomplete.TotalKnown)
}

func TestReceiveIdleTimeout(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.IdleTimeout = 100 * time.Millisecond
	s := createTestServer(t, cfg)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 8, 0, 2, "a")
	readAcks(t, c, 1)

	o := waitOutcome(t, results)
	assert.Equal(t, core.Incomplete, o.Phase)
	assert.Equal(t, 1, o.Received)
}

func TestReceiveClosedSocket(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	errs := make(chan error, 1)
	go func() {
		_, err := s.Receive()
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Conn.Close())

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not abort on a closed socket")
	}
}

func TestListenKeepServing(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.KeepServing = true
	s := createTestServer(t, cfg)
	c := createTestClient(t)

	outcomes := make(chan *Outcome, 4)
	cl := make(chan bool)
	errs := make(chan error, 1)
	go func() {
		errs <- s.Listen(cl, func(o *Outcome) { outcomes <- o })
	}()

	sendChunk(t, c, s, 5, 0, 1, "first")
	readAcks(t, c, 1)
	send(t, c, s, messages.FinishSignal)
	first := waitOutcome(t, outcomes)
	require.NoError(t, first.Err)
	assert.Equal(t, uint32(5), first.TransferID)

	// a late copy of the finished transfer is acknowledged but not collected
	sendChunk(t, c, s, 5, 0, 1, "first")
	assert.Equal(t, []uint32{0}, readAcks(t, c, 1))

	sendChunk(t, c, s, 6, 0, 1, "second")
	readAcks(t, c, 1)
	send(t, c, s, messages.FinishSignal)
	second := waitOutcome(t, outcomes)
	require.NoError(t, second.Err)
	assert.Equal(t, uint32(6), second.TransferID)

	data, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	s.StopListening(cl)
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestInitMissingOutputDir(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.OutputDir = "/does/not/exist"
	_, err := Init(net.ParseIP("127.0.0.1"), 0, &cfg)
	var startup *core.StartupError
	assert.True(t, errors.As(err, &startup))
	assert.Equal(t, core.Abort, core.Decide(err))
}

func listenAsync(t *testing.T, s *Server, cl chan bool) (chan *Outcome, chan error) {
	outcomes := make(chan *Outcome, 4)
	errs := make(chan error, 1)
	go func() {
		errs <- s.Listen(cl, func(o *Outcome) { outcomes <- o })
	}()
	return outcomes, errs
}

// A new sender socket reusing the id of a finished transfer starts a new
// collection, while late copies from the old socket stay out of it.
func TestListenReusedTransferID(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.KeepServing = true
	s := createTestServer(t, cfg)
	cl := make(chan bool)
	outcomes, _ := listenAsync(t, s, cl)
	defer s.StopListening(cl)

	old := createTestClient(t)
	sendChunk(t, old, s, 1001, 0, 2, "old-")
	sendChunk(t, old, s, 1001, 1, 2, "file")
	readAcks(t, old, 2)
	send(t, old, s, messages.FinishSignal)
	first := waitOutcome(t, outcomes)
	require.NoError(t, first.Err)

	c := createTestClient(t)
	sendChunk(t, c, s, 1001, 0, 2, "new-")
	assert.Equal(t, []uint32{0}, readAcks(t, c, 1))

	sendChunk(t, old, s, 1001, 1, 2, "file")
	assert.Equal(t, []uint32{1}, readAcks(t, old, 1))

	sendChunk(t, c, s, 1001, 1, 2, "data")
	assert.Equal(t, []uint32{1}, readAcks(t, c, 1))
	send(t, c, s, messages.FinishSignal)

	second := waitOutcome(t, outcomes)
	require.NoError(t, second.Err)
	assert.Equal(t, core.Complete, second.Phase)
	assert.Equal(t, uint32(1001), second.TransferID)

	data, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, "new-data", string(data))
}

func TestReceiveOversizedDatagram(t *testing.T) {
	cfg := core.DefaultConfig
	cfg.RecvBufferSize = messages.HeaderSize + 4
	s := createTestServer(t, cfg)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 4, 0, 1, "too long")
	assertNoDatagram(t, c)

	sendChunk(t, c, s, 4, 0, 1, "fits")
	assert.Equal(t, []uint32{0}, readAcks(t, c, 1))
	send(t, c, s, messages.FinishSignal)

	o := waitOutcome(t, results)
	require.NoError(t, o.Err)
	data, err := os.ReadFile(o.Path)
	require.NoError(t, err)
	assert.Equal(t, "fits", string(data))
}

func TestReceiveFinishWithTrailingBytes(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	c := createTestClient(t)
	results := receiveAsync(t, s)

	sendChunk(t, c, s, 2, 0, 1, "x")
	readAcks(t, c, 1)
	send(t, c, s, append([]byte("FINISH"), 0, 0))

	o := waitOutcome(t, results)
	require.NoError(t, o.Err)
	assert.Equal(t, core.Complete, o.Phase)
}

func TestStopListeningAfterListenReturned(t *testing.T) {
	s := createTestServer(t, core.DefaultConfig)
	cl := make(chan bool)
	_, errs := listenAsync(t, s, cl)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Conn.Close())
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return on a closed socket")
	}

	stopped := make(chan struct{})
	go func() {
		s.StopListening(cl)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopListening blocked after Listen returned")
	}
}
