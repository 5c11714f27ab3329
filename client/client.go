package client

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/chunker"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

// acks are 4 bytes, anything longer is truncated
const ackBufferSize = 64

// Report summarizes a finished send.
type Report struct {
	TransferID   uint32
	Chunks       int
	Rounds       int
	Sent         int // data frames handed to the socket
	Acknowledged int
	Abandoned    []uint32
	Checksum     [32]byte
}

// SendFile reads the file at path and transfers it to peer (host:port).
// It returns a *core.StartupError if the address, file or socket cannot be
// set up, and a *core.RetryExhaustedError if some chunks were given up on.
func SendFile(peer string, path string, cfg *core.Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &core.StartupError{Op: "validate config", Err: err}
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, &core.StartupError{Op: "resolve " + peer, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.StartupError{Op: "read " + path, Err: err}
	}
	conn, err := markov.CreateClientSocket(cfg.LossP, cfg.LossQ, cfg.TOS)
	if err != nil {
		return nil, &core.StartupError{Op: "create client socket", Err: err}
	}
	defer conn.Close()

	core.Logger.WithFields(logrus.Fields{"file": path, "bytes": len(data), "peer": raddr}).Info("sending file")
	return Send(conn, raddr, data, cfg)
}

// Send transfers data to peer over conn.
func Send(conn net.PacketConn, peer net.Addr, data []byte, cfg *core.Config) (*Report, error) {
	transferID := cfg.TransferID
	if transferID == 0 {
		transferID = newTransferID()
	}
	chunks, err := chunker.Split(data, transferID, cfg.ChunkSize)
	if err != nil {
		return nil, &core.StartupError{Op: "split", Err: err}
	}
	core.Logger.WithField("transfer", transferID).Infof("file split into %d chunks", len(chunks))

	state := core.NewSenderState(transferID, chunks, cfg.MaxRetries)
	report, err := Run(conn, peer, state, cfg.AckTimeout)
	if report != nil {
		report.Checksum = sha256.Sum256(data)
	}
	return report, err
}

func newTransferID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

// Run drives the send rounds for state until no chunk is pending, then
// sends the termination signal once. Every round resends the whole pending
// set and then collects acks for ackTimeout.
func Run(conn net.PacketConn, peer net.Addr, state *core.SenderState, ackTimeout time.Duration) (*Report, error) {
	report := &Report{TransferID: state.TransferID, Chunks: state.Total()}
	fields := logrus.Fields{"transfer": state.TransferID, "peer": peer.String()}
	log := core.Logger.WithFields(fields)
	buf := make([]byte, ackBufferSize)

	for state.Phase() == core.Sending {
		report.Rounds++
		for _, c := range state.Pending() {
			if _, err := conn.WriteTo(messages.Encode(c), peer); err != nil {
				ioErr := &core.IOError{Op: fmt.Sprintf("send chunk %d", c.Sequence), Err: err}
				if core.Handle(ioErr, fields) == core.Abort {
					return report, ioErr
				}
				continue
			}
			report.Sent++
			log.WithField("seq", c.Sequence).Debugf("sent chunk %d of %d", c.Sequence+1, c.Total)
		}

		if err := collectAcks(conn, state, ackTimeout, buf, fields); err != nil {
			return report, err
		}

		for _, seq := range state.EndRound() {
			log.WithFields(logrus.Fields{"seq": seq, "round": report.Rounds}).
				Warnf("chunk not acknowledged after %d retries, abandoning it", state.MaxRetries)
		}
	}

	if _, err := conn.WriteTo(messages.FinishSignal, peer); err != nil {
		ioErr := &core.IOError{Op: "send finish signal", Err: err}
		core.Handle(ioErr, fields)
		return report, ioErr
	}
	state.Finish()

	report.Acknowledged = state.Acknowledged()
	report.Abandoned = state.Abandoned()
	log.WithFields(logrus.Fields{"rounds": report.Rounds, "acknowledged": report.Acknowledged}).Info("transfer finished")

	if len(report.Abandoned) > 0 {
		return report, &core.RetryExhaustedError{
			TransferID: state.TransferID,
			Sequences:  report.Abandoned,
			MaxRetries: state.MaxRetries,
		}
	}
	return report, nil
}

// collectAcks reads acknowledgments until the window closes and marks them
// in state. Only an error the policy aborts on is returned.
func collectAcks(conn net.PacketConn, state *core.SenderState, window time.Duration, buf []byte, fields logrus.Fields) error {
	deadline := time.Now().Add(window)
	if err := conn.SetReadDeadline(deadline); err != nil {
		ioErr := &core.IOError{Op: "set read deadline", Err: err}
		if core.Handle(ioErr, fields) == core.Abort {
			return ioErr
		}
		time.Sleep(time.Until(deadline))
		return nil
	}

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			ioErr := &core.IOError{Op: "receive ack", Err: err}
			if core.Handle(ioErr, fields) == core.Abort {
				return ioErr
			}
			if !time.Now().Before(deadline) {
				return nil
			}
			continue
		}
		seq, ok := messages.DecodeAck(buf[:n])
		if !ok {
			core.Logger.WithFields(fields).Debugf("ignoring %d byte datagram", n)
			continue
		}
		if state.Ack(seq) {
			core.Logger.WithFields(fields).WithField("seq", seq).Debug("chunk acknowledged")
		}
	}
}
