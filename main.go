package main

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/client"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("ruft", "Reliable file transfer over UDP.")

	verbose        = app.Flag("verbose", "Log every chunk and acknowledgment.").Short('v').Bool()
	chunkSize      = app.Flag("chunk-size", "Payload bytes per chunk.").Default(strconv.Itoa(core.DefaultConfig.ChunkSize)).Envar("RUFT_CHUNK_SIZE").Int()
	ackTimeout     = app.Flag("ack-timeout", "How long the sender collects acknowledgments after each round.").Default(core.DefaultConfig.AckTimeout.String()).Envar("RUFT_ACK_TIMEOUT").Duration()
	maxRetries     = app.Flag("max-retries", "Retransmission rounds before a chunk is abandoned.").Default(strconv.Itoa(core.DefaultConfig.MaxRetries)).Envar("RUFT_MAX_RETRIES").Int()
	recvBufferSize = app.Flag("recv-buffer", "Receive buffer size in bytes.").Default(strconv.Itoa(core.DefaultConfig.RecvBufferSize)).Envar("RUFT_RECV_BUFFER").Int()
	markovP        = app.Flag("p", "Specify the loss probabilities for the Markov chain model.").Short('p').Default("0").Float64()
	markovQ        = app.Flag("q", "Specify the loss probabilities for the Markov chain model.").Short('q').Default("0").Float64()
	tos            = app.Flag("tos", "IPv4 type of service for outgoing datagrams (0 keeps the default).").Default("0").Envar("RUFT_TOS").Int()

	clientCmd  = app.Command("client", "Send a file.")
	peer       = clientCmd.Arg("peer", "Receiver address as host:port.").Required().String()
	sourceFile = clientCmd.Arg("file", "The file to send.").Required().String()
	transferID = clientCmd.Flag("transfer-id", "Transfer identifier, random if 0.").Default("0").Envar("RUFT_TRANSFER_ID").Uint32()

	serverCmd   = app.Command("server", "Receive a file.")
	bind        = serverCmd.Arg("bind", "Address to listen on as address:port.").Required().String()
	fileDir     = serverCmd.Flag("file-dir", "Directory where received files are saved.").Short('d').Default(core.DefaultConfig.OutputDir).Envar("RUFT_FILE_DIR").ExistingDir()
	idleTimeout = serverCmd.Flag("idle-timeout", "Give up on a transfer after this much silence (0 waits forever).").Default("0s").Envar("RUFT_IDLE_TIMEOUT").Duration()
	keepServing = serverCmd.Flag("keep-serving", "Keep receiving transfers until interrupted.").Envar("RUFT_KEEP_SERVING").Bool()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *verbose {
		core.Logger.SetLevel(logrus.DebugLevel)
	}

	cfg := core.DefaultConfig
	cfg.ChunkSize = *chunkSize
	cfg.AckTimeout = *ackTimeout
	cfg.MaxRetries = *maxRetries
	cfg.RecvBufferSize = *recvBufferSize
	cfg.LossP = *markovP
	cfg.LossQ = *markovQ
	cfg.TOS = *tos
	if err := cfg.Validate(); err != nil {
		app.Fatalf("%v", err)
	}

	switch command {
	case clientCmd.FullCommand():
		cfg.TransferID = *transferID
		runClient(&cfg)
	case serverCmd.FullCommand():
		cfg.OutputDir = *fileDir
		cfg.IdleTimeout = *idleTimeout
		cfg.KeepServing = *keepServing
		runServer(&cfg)
	}
}

func runClient(cfg *core.Config) {
	report, err := client.SendFile(*peer, *sourceFile, cfg)
	if core.Decide(err) == core.Abort {
		core.Logger.WithError(err).Fatal("could not send file")
	}
	if err != nil {
		core.Handle(err, logrus.Fields{"transfer": report.TransferID})
		os.Exit(1)
	}
	core.Logger.WithFields(logrus.Fields{
		"transfer": report.TransferID,
		"chunks":   report.Chunks,
		"rounds":   report.Rounds,
		"sent":     report.Sent,
	}).Infof("file sent, sha256 %x", report.Checksum)
}

func runServer(cfg *core.Config) {
	addr, err := net.ResolveUDPAddr("udp", *bind)
	if err != nil {
		core.Logger.WithError(err).Fatal("invalid bind address")
	}

	s, err := server.Init(addr.IP, addr.Port, cfg)
	if err != nil {
		core.Logger.WithError(err).Fatal("error creating server")
	}
	defer s.Conn.Close()
	core.Logger.Infof("listening on %s", s.Conn.LocalAddr())

	if !cfg.KeepServing {
		outcome, err := s.Receive()
		if err != nil {
			core.Logger.WithError(err).Fatal("receive failed")
		}
		var incomplete *core.IncompleteTransferError
		if errors.As(outcome.Err, &incomplete) {
			os.Exit(1)
		}
		return
	}

	cl := make(chan bool)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		core.Logger.Infof("signal (%v) received, stopping", <-sig)
		s.StopListening(cl)
	}()

	err = s.Listen(cl, func(o *server.Outcome) {
		core.Logger.WithField("transfer", o.TransferID).Infof("transfer ended: %s", o.Phase)
	})
	if err != nil {
		core.Logger.WithError(err).Fatal("server stopped")
	}
}
