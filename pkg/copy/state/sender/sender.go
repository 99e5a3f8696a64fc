// Package sender implements the per-file sender state machine: send an
// init request, stream the file's bytes, exchange eof, and optionally
// request an integrity check before closing.
package sender

import (
	"context"
	"crypto/sha1"
	"io"
	"os"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	sfcopy "github.com/securesocketfunneling/ssf-sub002/pkg/copy"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
)

// New returns the sender state machine's entry point.
func New() sfcopy.State {
	return sendInitRequest{}
}

// dataChunkSize bounds one Data packet's payload, staying well under
// packet.MaxPayloadSize.
const dataChunkSize = 32 * 1024

type sendInitRequest struct{}

func (sendInitRequest) Name() string { return "SendInitRequest" }

func (sendInitRequest) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	req := packet.InitRequest{
		InputFilepath:      fc.InputFilepath,
		CheckFileIntegrity: fc.CheckIntegrity,
		StdinInput:         fc.IsStdin,
		Resume:             fc.Resume,
		Filesize:           fc.Filesize,
		OutputDir:          fc.OutputDir,
		OutputFilename:     fc.OutputFilename,
	}
	if err := fc.Send(packet.TypeInitRequest, req); err != nil {
		return nil, false, err
	}
	return waitInitReply{req: req}, false, nil
}

type waitInitReply struct {
	req packet.InitRequest
}

func (waitInitReply) Name() string { return "WaitInitReply" }

func (s waitInitReply) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	if frame.Type == packet.TypeAbort {
		return handleInboundAbort(frame)
	}
	if frame.Type != packet.TypeInitReply {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "sender expected InitReply, got %d", frame.Type)
	}
	var reply packet.InitReply
	if err := packet.Unpack(frame, &reply); err != nil {
		return nil, false, err
	}
	if reply.Status != packet.InitSucceeded {
		return abortSender{code: packet.ErrCopyInitializationFailed}, false, nil
	}

	if fc.Resume && reply.StartOffset > 0 {
		mismatch, err := checkResumePrefix(fc, reply.StartOffset, reply.CurrentFilehash)
		if err != nil {
			return nil, false, err
		}
		if mismatch {
			return abortSender{code: packet.ErrResumeFileTransferNotPermitted}, false, nil
		}
	}

	if err := openInputAt(fc, reply.StartOffset); err != nil {
		return nil, false, err
	}
	return sendFile{}, false, nil
}

// checkResumePrefix hashes the local file's first startOffset bytes and
// compares against the receiver's reported digest; a mismatch means the
// transfer must not be resumed.
func checkResumePrefix(fc *sfcopy.FileContext, startOffset uint64, remoteDigest packet.Digest) (bool, error) {
	f, err := os.Open(fc.InputFilepath)
	if err != nil {
		return false, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.CopyN(h, f, int64(startOffset)); err != nil && err != io.EOF {
		return false, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	var local packet.Digest
	copy(local[:], h.Sum(nil))
	return local != remoteDigest, nil
}

func openInputAt(fc *sfcopy.FileContext, offset uint64) error {
	if fc.IsStdin {
		fc.InputFile = os.Stdin
		return nil
	}
	f, err := os.Open(fc.InputFilepath)
	if err != nil {
		return sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return sferr.Wrap(sferr.CodeAddressNotAvailable, err)
		}
	}
	fc.InputFile = f
	return nil
}

type sendFile struct{}

func (sendFile) Name() string { return "SendFile" }

func (sendFile) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	buf := make([]byte, dataChunkSize)
	n, err := fc.InputFile.Read(buf)
	if n > 0 {
		fc.InputHash.Write(buf[:n])
		if sendErr := fc.Send(packet.TypeData, packet.Data{Bytes: buf[:n]}); sendErr != nil {
			return nil, false, sendErr
		}
	}
	if err == io.EOF {
		if sendErr := fc.Send(packet.TypeEof, packet.Eof{}); sendErr != nil {
			return nil, false, sendErr
		}
		return waitEof{}, false, nil
	}
	if err != nil {
		return nil, false, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	return sendFile{}, false, nil
}

type waitEof struct{}

func (waitEof) Name() string { return "WaitEof" }

func (waitEof) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	if frame.Type == packet.TypeAbort {
		return handleInboundAbort(frame)
	}
	if frame.Type != packet.TypeEof {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "sender expected Eof, got %d", frame.Type)
	}
	if fc.CheckIntegrity {
		return sendIntegrityCheckRequest{}, false, nil
	}
	return closeState{code: packet.ErrSuccess}, false, nil
}

type sendIntegrityCheckRequest struct{}

func (sendIntegrityCheckRequest) Name() string { return "SendIntegrityCheckRequest" }

func (sendIntegrityCheckRequest) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	var digest packet.Digest
	copy(digest[:], fc.InputHash.Sum(nil))
	req := packet.CheckIntegrityRequest{InputFileDigest: digest}
	if err := fc.Send(packet.TypeCheckIntegrityRequest, req); err != nil {
		return nil, false, err
	}
	return waitIntegrityCheckReply{}, false, nil
}

type waitIntegrityCheckReply struct{}

func (waitIntegrityCheckReply) Name() string { return "WaitIntegrityCheckReply" }

func (waitIntegrityCheckReply) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	if frame.Type == packet.TypeAbort {
		return handleInboundAbort(frame)
	}
	if frame.Type != packet.TypeCheckIntegrityReply {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "sender expected CheckIntegrityReply, got %d", frame.Type)
	}
	var reply packet.CheckIntegrityReply
	if err := packet.Unpack(frame, &reply); err != nil {
		return nil, false, err
	}
	if reply.Status == packet.CheckIntegritySucceeded {
		return closeState{code: packet.ErrSuccess}, false, nil
	}
	return abortSender{code: packet.ErrOutputFileCorrupted}, false, nil
}

type abortSender struct {
	code packet.ErrorCode
}

func (abortSender) Name() string { return "AbortSender" }

func (s abortSender) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	fc.ErrorCode = s.code
	if err := fc.Send(packet.TypeAbort, packet.Abort{ErrorCode: s.code}); err != nil {
		return nil, false, err
	}
	return waitAbortAck{code: s.code}, false, nil
}

type waitAbortAck struct {
	code packet.ErrorCode
}

func (waitAbortAck) Name() string { return "WaitAbortAck" }

func (s waitAbortAck) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	// The peer may have independently raised its own Abort before our
	// AbortAck arrives (e.g. both sides reacting to the same init
	// failure); that races harmlessly with the ack we're waiting for
	// and also closes, using the peer's error code.
	if frame.Type == packet.TypeAbort {
		return handleInboundAbort(frame)
	}
	if frame.Type != packet.TypeAbortAck {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "sender expected AbortAck, got %d", frame.Type)
	}
	return closeState{code: s.code}, false, nil
}

// closeState is the sender's terminal state.
type closeState struct {
	code packet.ErrorCode
}

func (closeState) Name() string { return "Close" }

func (s closeState) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	fc.ErrorCode = s.code
	fc.Close()
	return s, true, nil
}

// handleInboundAbort handles an inbound Abort(e) in any non-terminal
// state: transition to Close(e) immediately, with no AbortAck — the
// peer has already given up.
func handleInboundAbort(frame packet.Frame) (sfcopy.State, bool, error) {
	var a packet.Abort
	if err := packet.Unpack(frame, &a); err != nil {
		return nil, false, err
	}
	return closeState{code: a.ErrorCode}, false, nil
}
