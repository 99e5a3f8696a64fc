// Package receiver implements the per-file receiver state machine:
// wait for an init request, open or resume the output file, append
// incoming data, acknowledge eof, and optionally verify integrity.
package receiver

import (
	"context"
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	sfcopy "github.com/securesocketfunneling/ssf-sub002/pkg/copy"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
)

// New returns the receiver state machine's entry point.
func New() sfcopy.State {
	return waitInitRequest{}
}

type waitInitRequest struct{}

func (waitInitRequest) Name() string { return "WaitInitRequest" }

func (waitInitRequest) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	if frame.Type != packet.TypeInitRequest {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "receiver expected InitRequest, got %d", frame.Type)
	}
	var req packet.InitRequest
	if err := packet.Unpack(frame, &req); err != nil {
		return nil, false, err
	}
	fc.CheckIntegrity = req.CheckFileIntegrity
	fc.Resume = req.Resume
	fc.Filesize = req.Filesize
	fc.OutputDir = req.OutputDir
	fc.OutputFilename = req.OutputFilename

	if _, err := os.Stat(fc.OutputDir); err != nil {
		return sendInitReply{req: req, status: packet.InitFailed}, false, nil
	}

	outputPath := filepath.Join(fc.OutputDir, fc.OutputFilename)
	startOffset, digest, err := openOutput(fc, outputPath, req.Resume)
	if err != nil {
		return sendInitReply{req: req, status: packet.InitFailed}, false, nil
	}
	return sendInitReply{req: req, status: packet.InitSucceeded, startOffset: startOffset, digest: digest}, false, nil
}

// openOutput resolves the output file: resume existing bytes (append +
// hash them, report start_offset/digest) or truncate for a fresh write.
func openOutput(fc *sfcopy.FileContext, path string, resume bool) (uint64, packet.Digest, error) {
	var digest packet.Digest
	if resume {
		if existing, err := os.Open(path); err == nil {
			h := sha1.New()
			n, copyErr := io.Copy(h, existing)
			existing.Close()
			if copyErr != nil {
				return 0, digest, sferr.Wrap(sferr.CodeAddressNotAvailable, copyErr)
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return 0, digest, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
			}
			fc.OutputFile = f
			fc.StartOffset = uint64(n)
			copy(digest[:], h.Sum(nil))
			fc.OutputHash = h
			return fc.StartOffset, digest, nil
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, digest, sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	fc.OutputFile = f
	fc.StartOffset = 0
	fc.OutputHash = sha1.New()
	return 0, digest, nil
}

type sendInitReply struct {
	req         packet.InitRequest
	status      packet.InitStatus
	startOffset uint64
	digest      packet.Digest
}

func (sendInitReply) Name() string { return "SendInitReply" }

func (s sendInitReply) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	reply := packet.InitReply{
		Req:             s.req,
		StartOffset:     s.startOffset,
		CurrentFilehash: s.digest,
		Status:          s.status,
	}
	if err := fc.Send(packet.TypeInitReply, reply); err != nil {
		return nil, false, err
	}
	if s.status == packet.InitFailed {
		return abortReceiver{code: packet.ErrCopyInitializationFailed}, false, nil
	}
	return receiveFile{}, false, nil
}

type receiveFile struct{}

func (receiveFile) Name() string { return "ReceiveFile" }

func (receiveFile) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	switch frame.Type {
	case packet.TypeData:
		var d packet.Data
		if err := packet.Unpack(frame, &d); err != nil {
			return nil, false, err
		}
		if _, err := fc.OutputFile.Write(d.Bytes); err != nil {
			return abortReceiver{code: packet.ErrOutputFileWriteError}, false, nil
		}
		fc.OutputHash.Write(d.Bytes)
		return receiveFile{}, false, nil
	case packet.TypeEof:
		fc.OutputFile.Close()
		return sendEof{}, false, nil
	case packet.TypeAbort:
		return handleInboundAbort(fc, frame)
	default:
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "receiver expected Data/Eof, got %d", frame.Type)
	}
}

type sendEof struct{}

func (sendEof) Name() string { return "SendEof" }

func (sendEof) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	if err := fc.Send(packet.TypeEof, packet.Eof{}); err != nil {
		return nil, false, err
	}
	if fc.CheckIntegrity {
		return waitIntegrityCheckRequest{}, false, nil
	}
	return closeState{code: packet.ErrSuccess}, false, nil
}

type waitIntegrityCheckRequest struct{}

func (waitIntegrityCheckRequest) Name() string { return "WaitIntegrityCheckRequest" }

func (waitIntegrityCheckRequest) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	frame, err := fc.Receive()
	if err != nil {
		return nil, false, err
	}
	if frame.Type == packet.TypeAbort {
		return handleInboundAbort(fc, frame)
	}
	if frame.Type != packet.TypeCheckIntegrityRequest {
		return nil, false, sferr.New(sferr.CodeProtocolNotSupported, "receiver expected CheckIntegrityRequest, got %d", frame.Type)
	}
	var req packet.CheckIntegrityRequest
	if err := packet.Unpack(frame, &req); err != nil {
		return nil, false, err
	}
	return sendIntegrityCheckReply{req: req}, false, nil
}

type sendIntegrityCheckReply struct {
	req packet.CheckIntegrityRequest
}

func (sendIntegrityCheckReply) Name() string { return "SendIntegrityCheckReply" }

func (s sendIntegrityCheckReply) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	var outputDigest packet.Digest
	copy(outputDigest[:], fc.OutputHash.Sum(nil))

	status := packet.CheckIntegritySucceeded
	code := packet.ErrSuccess
	if outputDigest != s.req.InputFileDigest {
		status = packet.CheckIntegrityFailed
		code = packet.ErrOutputFileCorrupted
		os.Remove(filepath.Join(fc.OutputDir, fc.OutputFilename))
	}

	reply := packet.CheckIntegrityReply{Req: s.req, OutputFileDigest: outputDigest, Status: status}
	if err := fc.Send(packet.TypeCheckIntegrityReply, reply); err != nil {
		return nil, false, err
	}
	return closeState{code: code}, false, nil
}

type abortReceiver struct {
	code packet.ErrorCode
}

func (abortReceiver) Name() string { return "AbortReceiver" }

func (s abortReceiver) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	fc.ErrorCode = s.code
	if err := fc.Send(packet.TypeAbort, packet.Abort{ErrorCode: s.code}); err != nil {
		return nil, false, err
	}
	return waitClose{code: s.code}, false, nil
}

// waitClose is the receiver's terminal state.
type waitClose struct {
	code packet.ErrorCode
}

func (waitClose) Name() string { return "WaitClose" }

func (s waitClose) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	fc.ErrorCode = s.code
	fc.Close()
	return s, true, nil
}

type closeState struct {
	code packet.ErrorCode
}

func (closeState) Name() string { return "Close" }

func (s closeState) Run(ctx context.Context, fc *sfcopy.FileContext) (sfcopy.State, bool, error) {
	fc.ErrorCode = s.code
	fc.Close()
	return s, true, nil
}

// handleInboundAbort handles an inbound Abort in any non-terminal
// state: send AbortAck, then settle in waitClose with the peer's code.
func handleInboundAbort(fc *sfcopy.FileContext, frame packet.Frame) (sfcopy.State, bool, error) {
	var a packet.Abort
	if err := packet.Unpack(frame, &a); err != nil {
		return nil, false, err
	}
	if err := fc.Send(packet.TypeAbortAck, packet.AbortAck{}); err != nil {
		return nil, false, err
	}
	return waitClose{code: a.ErrorCode}, false, nil
}
