package core

import (
	"fmt"
)

// IOError is a failed file or socket operation.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StartupError is a failure before a transfer could begin, e.g. the socket
// cannot be bound or the source file cannot be read.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError lists the chunks that were abandoned after exceeding
// the retry ceiling.
type RetryExhaustedError struct {
	TransferID uint32
	Sequences  []uint32
	MaxRetries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("transfer %d: %d chunk(s) not acknowledged after %d retries: %v",
		e.TransferID, len(e.Sequences), e.MaxRetries, e.Sequences)
}

// IncompleteTransferError is reported when collection ends before every
// chunk arrived.
type IncompleteTransferError struct {
	TransferID uint32
	Expected   uint32
	Received   int
	// false if no chunk was seen, so the total is unknown
	TotalKnown bool
}

func (e *IncompleteTransferError) Error() string {
	if !e.TotalKnown {
		return "incomplete transfer: total chunk count could not be determined"
	}
	return fmt.Sprintf("incomplete transfer %d: expected %d chunks, received %d",
		e.TransferID, e.Expected, e.Received)
}

// UnexpectedChunkError is a well-formed chunk that does not belong to the
// transfer being collected.
type UnexpectedChunkError struct {
	TransferID uint32
	Sequence   uint32
	Reason     string
}

func (e *UnexpectedChunkError) Error() string {
	return fmt.Sprintf("unexpected chunk %d of transfer %d: %s", e.Sequence, e.TransferID, e.Reason)
}
