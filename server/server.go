package server

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

// Outcome is the result of one collected transfer.
type Outcome struct {
	TransferID uint32
	Phase      core.ReceiverPhase
	Expected   uint32
	Received   int
	// set when the file was written
	Path     string
	Checksum [32]byte
	// *core.IncompleteTransferError or a write failure
	Err error
}

type Server struct {
	Conn   net.PacketConn
	Config core.Config

	// transfers finalized while keep-serving, keyed by peer and transfer
	// id, so late duplicates are acknowledged instead of starting a new
	// collection
	finished *expirable.LRU[finishedKey, *Outcome]
	closing  atomic.Bool

	listenDone chan struct{}
	listenOnce sync.Once
}

// A sender binds a fresh port per transfer, so a reused transfer id from a
// new socket is a new transfer.
type finishedKey struct {
	peer       string
	transferID uint32
}

// Init binds the server socket. The values should be sanity checked before,
// but the config is validated again and the output directory must exist.
func Init(ip net.IP, port int, cfg *core.Config) (*Server, error) {
	if err := cfg.ValidateReceiver(); err != nil {
		return nil, &core.StartupError{Op: "validate config", Err: err}
	}
	if _, err := os.Stat(cfg.OutputDir); err != nil {
		return nil, &core.StartupError{Op: "output dir", Err: err}
	}
	conn, err := markov.CreateServerSocket(ip, port, cfg.LossP, cfg.LossQ, cfg.TOS)
	if err != nil {
		return nil, &core.StartupError{Op: "create server socket", Err: err}
	}
	return New(conn, cfg), nil
}

// New wraps an already bound socket.
func New(conn net.PacketConn, cfg *core.Config) *Server {
	s := &Server{Conn: conn, Config: *cfg, listenDone: make(chan struct{})}
	if cfg.KeepServing {
		s.finished = expirable.NewLRU[finishedKey, *Outcome](cfg.FinishedCacheSize, nil, cfg.FinishedTTL)
	}
	return s
}

// OutputPath is where the file of a transfer is written.
func (s *Server) OutputPath(transferID uint32) string {
	return filepath.Join(s.Config.OutputDir, fmt.Sprintf("received_file_%d.dat", transferID))
}

// Receive collects one transfer until the termination signal arrives (or
// the idle timeout expires) and finalizes it. An error is only returned
// when the socket became unusable.
func (s *Server) Receive() (*Outcome, error) {
	state := core.NewReceiverState()
	// one spare byte to notice datagrams the buffer would truncate
	buf := make([]byte, s.Config.RecvBufferSize+1)
	var peer string

	for {
		if s.Config.IdleTimeout > 0 {
			if err := s.Conn.SetReadDeadline(time.Now().Add(s.Config.IdleTimeout)); err != nil {
				ioErr := &core.IOError{Op: "set read deadline", Err: err}
				if core.Handle(ioErr, nil) == core.Abort {
					return nil, ioErr
				}
			}
		}
		n, addr, err := s.Conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				core.Logger.Warnf("no datagram for %s, ending collection", s.Config.IdleTimeout)
				break
			}
			ioErr := &core.IOError{Op: "receive", Err: err}
			if core.Handle(ioErr, nil) == core.Abort {
				return nil, ioErr
			}
			continue
		}
		fields := logrus.Fields{"peer": addr.String()}

		if n > s.Config.RecvBufferSize {
			core.Handle(&messages.MalformedFrameError{Length: n, Max: s.Config.RecvBufferSize}, fields)
			continue
		}
		if messages.IsFinish(buf[:n]) {
			core.Logger.WithFields(fields).Info("received finish signal")
			break
		}

		c, err := messages.Decode(buf[:n])
		if err != nil {
			core.Handle(err, fields)
			continue
		}
		fields["transfer"] = c.TransferID
		fields["seq"] = c.Sequence

		if s.alreadyFinished(state, peer, addr.String(), c) {
			core.Logger.WithFields(fields).Debug("chunk of a finalized transfer")
		} else {
			first, err := state.Store(c)
			if err != nil {
				core.Handle(err, fields)
				continue
			}
			if peer == "" {
				peer = addr.String()
			}
			if first {
				core.Logger.WithFields(fields).Debugf("received chunk %d/%d", state.Received(), state.ExpectedTotal)
			} else {
				core.Logger.WithFields(fields).Debug("duplicate chunk")
			}
		}

		if _, err := s.Conn.WriteTo(messages.EncodeAck(c.Sequence), addr); err != nil {
			ioErr := &core.IOError{Op: fmt.Sprintf("send ack %d", c.Sequence), Err: err}
			if core.Handle(ioErr, fields) == core.Abort {
				return nil, ioErr
			}
		}
	}

	state.Terminate()
	outcome := s.finalize(state)
	if s.finished != nil && state.Started() {
		s.finished.Add(finishedKey{peer: peer, transferID: outcome.TransferID}, outcome)
	}
	return outcome, nil
}

// alreadyFinished reports whether c is a late copy of a finalized transfer
// from the same peer. current is the peer of the transfer being collected.
func (s *Server) alreadyFinished(state *core.ReceiverState, current string, from string, c messages.Chunk) bool {
	if s.finished == nil {
		return false
	}
	if state.Started() && state.TransferID == c.TransferID && current == from {
		return false
	}
	return s.finished.Contains(finishedKey{peer: from, transferID: c.TransferID})
}

// finalize writes the reconstructed file if every chunk is present.
func (s *Server) finalize(state *core.ReceiverState) *Outcome {
	outcome := &Outcome{
		TransferID: state.TransferID,
		Phase:      state.Phase(),
		Expected:   state.ExpectedTotal,
		Received:   state.Received(),
	}
	fields := logrus.Fields{"transfer": state.TransferID}
	if state.Started() {
		core.Logger.WithFields(fields).Infof("received %d/%d chunks", outcome.Received, outcome.Expected)
	}

	data, err := state.Assemble()
	if err != nil {
		outcome.Err = err
		core.Handle(err, fields)
		return outcome
	}

	path := s.OutputPath(state.TransferID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		outcome.Err = &core.IOError{Op: "write " + path, Err: err}
		core.Handle(outcome.Err, fields)
		return outcome
	}
	outcome.Path = path
	outcome.Checksum = sha256.Sum256(data)
	core.Logger.WithFields(fields).WithField("sha256", fmt.Sprintf("%x", outcome.Checksum)).
		Infof("file saved as %q", path)
	return outcome
}

// Listen receives transfers one after another until something is sent on
// cl. Outcomes are passed to handle, which may be nil.
func (s *Server) Listen(cl chan bool, handle func(*Outcome)) error {
	done := make(chan struct{})
	defer close(done)
	defer s.listenOnce.Do(func() { close(s.listenDone) })
	go func() {
		select {
		case <-cl:
			s.closing.Store(true)
			s.Conn.Close()
		case <-done:
		}
	}()

	for {
		outcome, err := s.Receive()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			return fmt.Errorf("error while receiving from UDP socket: %w", err)
		}
		if handle != nil {
			handle(outcome)
		}
	}
}

// StopListening asks Listen to return. It does not block once Listen has
// already returned.
func (s *Server) StopListening(cl chan bool) {
	select {
	case cl <- true:
	case <-s.listenDone:
	}
}
