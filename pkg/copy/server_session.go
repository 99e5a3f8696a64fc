package copy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
)

// ServerSession handles one client's control fiber on the serving
// side: it reads the CopyRequest, acks it, and then takes whichever
// file-fiber role the request's direction demands — Receive accepts
// the fibers a pushing client dials, Transmit dials fibers back for a
// client that asked this side to send. It finally reports CopyFinished
// on the control fiber.
type ServerSession struct {
	Control  Channel
	Receive  FileRole
	Transmit FileRole

	// ListFiles expands a server-to-client request's input pattern into
	// concrete transfers; pattern expansion stays with the caller, as it
	// does on the client side. A session without it refuses transmit
	// requests.
	ListFiles func(req packet.CopyRequest) ([]FilePair, error)

	Log *logrus.Entry
}

// Run reads the CopyRequest, acks it, and drives every announced file
// fiber to completion in the direction the request selected.
func (s *ServerSession) Run(ctx context.Context) (packet.CopyRequest, Result, error) {
	log := logEntry(s.Log)

	reqFrame, err := packet.ReadFrame(s.Control)
	if err != nil {
		return packet.CopyRequest{}, Result{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	if reqFrame.Type != packet.TypeCopyRequest {
		packet.WritePayload(s.Control, packet.TypeCopyRequestAck,
			packet.CopyRequestAck{Status: packet.AckRequestCorrupted})
		return packet.CopyRequest{}, Result{}, sferr.New(sferr.CodeProtocolNotSupported, "expected CopyRequest, got %d", reqFrame.Type)
	}
	var req packet.CopyRequest
	if err := packet.Unpack(reqFrame, &req); err != nil {
		packet.WritePayload(s.Control, packet.TypeCopyRequestAck,
			packet.CopyRequestAck{Status: packet.AckRequestCorrupted})
		return packet.CopyRequest{}, Result{}, err
	}

	role := s.Receive
	var files []FilePair
	if req.IsServerToClient {
		if s.ListFiles == nil || s.Transmit.Open == nil {
			packet.WritePayload(s.Control, packet.TypeCopyRequestAck,
				packet.CopyRequestAck{Req: req, Status: packet.AckRequestCorrupted})
			return req, Result{}, sferr.New(sferr.CodeProtocolNotSupported, "session cannot transmit files")
		}
		role = s.Transmit
		files, err = s.ListFiles(req)
		if err != nil {
			packet.WritePayload(s.Control, packet.TypeCopyRequestAck,
				packet.CopyRequestAck{Req: req, Status: packet.AckRequestCorrupted})
			return req, Result{}, err
		}
		// The echoed request announces how many file fibers the client
		// should expect this side to dial.
		req.FilesCount = uint64(len(files))
	} else {
		files = make([]FilePair, req.FilesCount)
	}

	if err := packet.WritePayload(s.Control, packet.TypeCopyRequestAck,
		packet.CopyRequestAck{Req: req, Status: packet.AckRequestReceived}); err != nil {
		return req, Result{}, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}

	succeeded, failed := runTransfers(ctx, role, req, files, int(req.MaxParallelCopies), log)

	result := Result{FilesCount: succeeded + failed, ErrorsCount: failed}
	switch {
	case failed == 0:
		result.ErrorCode = packet.ErrSuccess
	case succeeded == 0:
		result.ErrorCode = packet.ErrNoFileCopied
	default:
		result.ErrorCode = packet.ErrFilesPartiallyCopied
	}

	finished := packet.CopyFinished{FilesCount: result.FilesCount, ErrorsCount: result.ErrorsCount, ErrorCode: result.ErrorCode}
	if err := packet.WritePayload(s.Control, packet.TypeCopyFinished, finished); err != nil {
		return req, result, sferr.Wrap(sferr.CodeBrokenPipe, err)
	}
	return req, result, nil
}
