package core

import (
	"fmt"
	"time"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

// Config holds the tunables of both roles.
type Config struct {
	// Payload bytes per chunk; the last chunk may be shorter.
	ChunkSize int
	// How long the sender collects acks after each round.
	AckTimeout time.Duration
	// Rounds a chunk may stay unacknowledged before it is abandoned.
	MaxRetries int
	// Size of the receiver's datagram buffer.
	RecvBufferSize int
	// 0 picks a random id per transfer.
	TransferID uint32

	// Directory where the receiver stores reconstructed files.
	OutputDir string
	// Receiver gives up on a transfer after this much silence. 0 waits forever.
	IdleTimeout time.Duration
	KeepServing bool
	// Finalized transfers remembered while keep-serving.
	FinishedCacheSize int
	FinishedTTL       time.Duration

	// Gilbert-Elliott loss probabilities for testing under loss.
	LossP float64
	LossQ float64
	// IPv4 type of service for outgoing datagrams, 0 leaves the socket untouched.
	TOS int
}

var DefaultConfig = Config{
	ChunkSize:         4096,
	AckTimeout:        500 * time.Millisecond,
	MaxRetries:        5,
	RecvBufferSize:    8192,
	OutputDir:         "./",
	FinishedCacheSize: 128,
	FinishedTTL:       2 * time.Minute,
}

// Validate checks that the values can be used for a transfer.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > messages.MaxDatagramSize-messages.HeaderSize {
		return fmt.Errorf("chunk size must be in [1, %d], got %d", messages.MaxDatagramSize-messages.HeaderSize, c.ChunkSize)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if c.LossP > 1 || c.LossP < 0 || c.LossQ > 1 || c.LossQ < 0 {
		return fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	if c.TOS < 0 || c.TOS > 255 {
		return fmt.Errorf("tos must be in [0, 255], got %d", c.TOS)
	}
	if c.KeepServing && c.FinishedCacheSize <= 0 {
		return fmt.Errorf("finished cache size must be positive when keep-serving")
	}
	return nil
}

// ValidateReceiver adds the checks that only matter to the receiving side.
func (c *Config) ValidateReceiver() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.RecvBufferSize < messages.HeaderSize+c.ChunkSize {
		return fmt.Errorf("receive buffer of %d bytes cannot hold a frame of %d bytes", c.RecvBufferSize, messages.HeaderSize+c.ChunkSize)
	}
	return nil
}
