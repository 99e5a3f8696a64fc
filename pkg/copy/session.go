package copy

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
)

// FilePair is one file transfer's input/output path. Pattern expansion
// (input_pattern/output_pattern -> concrete FilePairs) is the
// responsibility of the CLI front-end (cmd/ssfcp); the core never
// touches the filesystem pattern language.
type FilePair struct {
	Input      string
	Output     string
	OutputDir  string
	OutputName string
	IsStdin    bool
}

// FiberOpener abstracts "yield the next file fiber": dialing out to
// the peer's acceptor, or accepting an inbound connection, depending
// on the session's role. Injected so session code stays testable
// against a fake channel without importing pkg/fiber.
type FiberOpener func(ctx context.Context) (Channel, error)

// StateFactory produces the entry state for one file's transfer —
// sender.New or receiver.New, injected so this package does not import
// either subpackage (they import it).
type StateFactory func() State

// FileRole bundles which end of the file fibers a session takes with
// the per-file state machine that end runs: a transmitting role pairs
// a dialing FiberOpener with sender.New, a receiving role pairs an
// accepting FiberOpener with receiver.New. The role is independent of
// which side opened the control fiber, so either peer can transmit.
type FileRole struct {
	Open     FiberOpener
	NewState StateFactory
}

// runTransfers drives one file fiber per entry of files through role's
// state machine, at most maxParallel at a time, and tallies how many
// settled on success versus failure.
func runTransfers(ctx context.Context, role FileRole, req packet.CopyRequest, files []FilePair, maxParallel int, log *logrus.Entry) (succeeded, failed uint64) {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, fp := range files {
		fp := fp
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ch, err := role.Open(ctx)
			if err != nil {
				log.WithError(err).WithField("file", fp.Input).Warn("could not open file fiber")
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			fc := NewFileContext(ch)
			fc.InputFilepath = fp.Input
			fc.OutputDir = fp.OutputDir
			fc.OutputFilename = fp.OutputName
			fc.IsStdin = fp.IsStdin
			fc.CheckIntegrity = req.CheckFileIntegrity
			fc.Resume = req.IsResume

			code, err := Drive(ctx, fc, role.NewState())
			mu.Lock()
			if err != nil || code != packet.ErrSuccess {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
			if err != nil {
				log.WithError(err).WithField("file", fp.Input).Warn("file transfer ended with an error")
			}
		}()
	}
	wg.Wait()
	return succeeded, failed
}

// ClientSession drives the control-fiber handshake and the set of file
// transfers for a client-initiated copy, in either direction: pushing
// local files to the server, or (IsServerToClient requests) accepting
// the file fibers the server dials back.
type ClientSession struct {
	Control     Channel
	Files       FileRole
	MaxParallel int
	Log         *logrus.Entry
}

// Result is the outcome surfaced to the invoker, matching
// packet.CopyFinished's fields.
type Result struct {
	FilesCount  uint64
	ErrorsCount uint64
	ErrorCode   packet.ErrorCode
}

// Run sends the CopyRequest, waits for the ack, transfers every file (up
// to MaxParallel concurrently), and returns the aggregated result. For
// a server-to-client request the caller must already be listening for
// file fibers before Run is invoked, and files is ignored — the ack's
// echoed request announces how many fibers the server will dial.
func (s *ClientSession) Run(ctx context.Context, req packet.CopyRequest, files []FilePair) (Result, error) {
	log := logEntry(s.Log)

	if err := packet.WritePayload(s.Control, packet.TypeCopyRequest, req); err != nil {
		return Result{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	ackFrame, err := packet.ReadFrame(s.Control)
	if err != nil {
		return Result{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	if ackFrame.Type != packet.TypeCopyRequestAck {
		return Result{}, sferr.New(sferr.CodeProtocolNotSupported, "expected CopyRequestAck, got %d", ackFrame.Type)
	}
	var ack packet.CopyRequestAck
	if err := packet.Unpack(ackFrame, &ack); err != nil {
		return Result{}, err
	}
	if ack.Status != packet.AckRequestReceived {
		return Result{ErrorCode: packet.ErrCopyRequestCorrupted}, sferr.New(sferr.CodeProtocolNotSupported, "server reported copy request corrupted")
	}

	transfers := files
	if req.IsServerToClient {
		transfers = make([]FilePair, ack.Req.FilesCount)
	}
	runTransfers(ctx, s.Files, req, transfers, s.MaxParallel, log)

	// The serving side tallies every file's real outcome and reports it
	// back over the control fiber; the client surfaces that
	// notification rather than recomputing its own tally. Any other
	// packet type is skipped and the read is re-armed.
	var finFrame packet.Frame
	for {
		finFrame, err = packet.ReadFrame(s.Control)
		if err != nil {
			return Result{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
		if finFrame.Type == packet.TypeCopyFinished {
			break
		}
		log.WithField("type", finFrame.Type).Debug("ignoring control packet while waiting for CopyFinished")
	}
	var fin packet.CopyFinished
	if err := packet.Unpack(finFrame, &fin); err != nil {
		return Result{}, err
	}
	return Result{FilesCount: fin.FilesCount, ErrorsCount: fin.ErrorsCount, ErrorCode: fin.ErrorCode}, nil
}

func logEntry(l *logrus.Entry) *logrus.Entry {
	if l != nil {
		return l
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
