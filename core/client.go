package core

import (
	"sort"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

type SenderPhase int

const (
	Sending SenderPhase = iota
	// no chunk is pending any more, either acknowledged or abandoned
	AllAcknowledged
	// termination signal sent
	Finished
)

func (p SenderPhase) String() string {
	switch p {
	case Sending:
		return "Sending"
	case AllAcknowledged:
		return "AllAcknowledged"
	case Finished:
		return "Finished"
	default:
		return "undefined"
	}
}

// SenderState tracks one outgoing transfer. It is owned by a single send
// loop and not safe for concurrent use.
type SenderState struct {
	TransferID uint32
	MaxRetries int

	chunks    []messages.Chunk
	acked     map[uint32]bool
	retries   map[uint32]int
	abandoned map[uint32]bool
	finished  bool
}

// NewSenderState takes ownership of chunks, which must be in ascending
// sequence order starting at zero.
func NewSenderState(transferID uint32, chunks []messages.Chunk, maxRetries int) *SenderState {
	s := &SenderState{
		TransferID: transferID,
		MaxRetries: maxRetries,
		chunks:     chunks,
		acked:      make(map[uint32]bool, len(chunks)),
		retries:    make(map[uint32]int, len(chunks)),
		abandoned:  make(map[uint32]bool),
	}
	for _, c := range chunks {
		s.acked[c.Sequence] = false
		s.retries[c.Sequence] = 0
	}
	return s
}

func (s *SenderState) Total() int {
	return len(s.chunks)
}

// Pending returns the chunks that are neither acknowledged nor abandoned,
// in ascending sequence order.
func (s *SenderState) Pending() []messages.Chunk {
	pending := make([]messages.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !s.acked[c.Sequence] && !s.abandoned[c.Sequence] {
			pending = append(pending, c)
		}
	}
	return pending
}

// Ack marks seq as delivered and reports whether this changed anything.
// Unknown and repeated sequence numbers are ignored. A late ack for an
// abandoned chunk still counts as delivery.
func (s *SenderState) Ack(seq uint32) bool {
	acked, known := s.acked[seq]
	if !known || acked {
		return false
	}
	s.acked[seq] = true
	delete(s.abandoned, seq)
	return true
}

// EndRound charges one retry to every pending chunk and abandons those
// above the retry ceiling. It returns the newly abandoned sequence numbers.
func (s *SenderState) EndRound() []uint32 {
	var dropped []uint32
	for _, c := range s.Pending() {
		s.retries[c.Sequence]++
		if s.retries[c.Sequence] > s.MaxRetries {
			s.abandoned[c.Sequence] = true
			dropped = append(dropped, c.Sequence)
		}
	}
	return dropped
}

func (s *SenderState) Retries(seq uint32) int {
	return s.retries[seq]
}

func (s *SenderState) Acknowledged() int {
	n := 0
	for _, ok := range s.acked {
		if ok {
			n++
		}
	}
	return n
}

// Abandoned returns the sequence numbers given up on, sorted.
func (s *SenderState) Abandoned() []uint32 {
	seqs := make([]uint32, 0, len(s.abandoned))
	for seq := range s.abandoned {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Finish records that the termination signal went out.
func (s *SenderState) Finish() {
	s.finished = true
}

func (s *SenderState) Phase() SenderPhase {
	if s.finished {
		return Finished
	}
	if len(s.Pending()) == 0 {
		return AllAcknowledged
	}
	return Sending
}
