package core

import (
	"bytes"
	"sort"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

type ReceiverPhase int

const (
	AwaitingFirstChunk ReceiverPhase = iota
	Collecting
	// terminal, decided when collection ends
	Complete
	Incomplete
)

func (p ReceiverPhase) String() string {
	switch p {
	case AwaitingFirstChunk:
		return "AwaitingFirstChunk"
	case Collecting:
		return "Collecting"
	case Complete:
		return "Complete"
	case Incomplete:
		return "Incomplete"
	default:
		return "undefined"
	}
}

// ReceiverState collects the chunks of one incoming transfer. The transfer
// id and total are latched from the first chunk stored.
type ReceiverState struct {
	TransferID    uint32
	ExpectedTotal uint32

	started    bool
	terminated bool
	received   map[uint32]messages.Chunk
}

func NewReceiverState() *ReceiverState {
	return &ReceiverState{received: make(map[uint32]messages.Chunk)}
}

// Store keeps c unless its sequence number was already seen. It returns
// true for a first arrival. Chunks that disagree with the latched transfer
// id or total, or lie outside the total, are rejected.
func (r *ReceiverState) Store(c messages.Chunk) (bool, error) {
	if !r.started {
		if c.Total == 0 {
			return false, &UnexpectedChunkError{TransferID: c.TransferID, Sequence: c.Sequence, Reason: "zero total"}
		}
		r.started = true
		r.TransferID = c.TransferID
		r.ExpectedTotal = c.Total
	}
	switch {
	case c.TransferID != r.TransferID:
		return false, &UnexpectedChunkError{TransferID: c.TransferID, Sequence: c.Sequence, Reason: "collecting another transfer"}
	case c.Total != r.ExpectedTotal:
		return false, &UnexpectedChunkError{TransferID: c.TransferID, Sequence: c.Sequence, Reason: "total does not match first chunk"}
	case c.Sequence >= r.ExpectedTotal:
		return false, &UnexpectedChunkError{TransferID: c.TransferID, Sequence: c.Sequence, Reason: "sequence out of range"}
	}
	if _, ok := r.received[c.Sequence]; ok {
		return false, nil
	}
	r.received[c.Sequence] = c
	return true, nil
}

func (r *ReceiverState) Started() bool {
	return r.started
}

func (r *ReceiverState) Received() int {
	return len(r.received)
}

// Terminate ends collection. Later calls to Phase report the outcome.
func (r *ReceiverState) Terminate() {
	r.terminated = true
}

func (r *ReceiverState) complete() bool {
	return r.started && uint32(len(r.received)) == r.ExpectedTotal
}

func (r *ReceiverState) Phase() ReceiverPhase {
	switch {
	case r.terminated && r.complete():
		return Complete
	case r.terminated:
		return Incomplete
	case r.started:
		return Collecting
	default:
		return AwaitingFirstChunk
	}
}

// Check returns an *IncompleteTransferError unless every chunk is present.
func (r *ReceiverState) Check() error {
	if r.complete() {
		return nil
	}
	return &IncompleteTransferError{
		TransferID: r.TransferID,
		Expected:   r.ExpectedTotal,
		Received:   len(r.received),
		TotalKnown: r.started,
	}
}

// Assemble concatenates the payloads in sequence order.
func (r *ReceiverState) Assemble() ([]byte, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	seqs := make([]uint32, 0, len(r.received))
	size := 0
	for seq, c := range r.received {
		seqs = append(seqs, seq)
		size += len(c.Payload)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var buf bytes.Buffer
	buf.Grow(size)
	for _, seq := range seqs {
		buf.Write(r.received[seq].Payload)
	}
	return buf.Bytes(), nil
}
