package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/compressor"
	"github.com/jaywantadh/resumable/internal/ledger"
	"github.com/jaywantadh/resumable/internal/speed"
	"github.com/sirupsen/logrus"
)

// connHandler serves one client connection. A connection is bound to at most
// one upload at a time and holds a ledger lease on it while bound.
type connHandler struct {
	srv    *Server
	conn   *channel.Conn
	logger logrus.FieldLogger

	uploadID     string
	totalSize    uint64
	release      func()
	est          *speed.Estimator
	lastProgress time.Time
}

func (h *connHandler) serve(ctx context.Context) {
	defer h.unbind()

	for ctx.Err() == nil {
		msg, err := h.conn.Receive(h.srv.cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, apperr.ErrProtocolViolation) {
				h.reject(err)
			} else {
				h.logger.WithError(err).Debug("Connection closed")
			}
			return
		}

		var keep bool
		switch msg.Type {
		case channel.TypeStart:
			keep = h.handleStart(msg.Start)
		case channel.TypeChunk:
			keep = h.handleChunk(msg.Chunk)
		case channel.TypeEnd:
			keep = h.handleEnd(msg.End)
		default:
			h.reject(apperr.Protocol("receive", "unexpected %q from client", msg.Type))
			keep = false
		}
		if !keep {
			return
		}
	}
}

func (h *connHandler) handleStart(start *channel.Start) bool {
	if start.Version != 0 && start.Version != channel.ProtocolVersion {
		h.reject(apperr.Protocol("start", "unsupported protocol version %d", start.Version))
		return false
	}

	// A start renegotiates; drop whatever this connection was bound to.
	h.unbind()

	received, err := h.srv.ledger.Open(ledger.OpenRequest{
		ID:        start.ID,
		FileName:  start.FileName,
		TotalSize: start.FileSize,
		ChunkSize: start.ChunkSize,
	})
	if err != nil {
		h.reject(err)
		return false
	}

	release, err := h.srv.ledger.Acquire(start.ID)
	if err != nil {
		// Evicted between Open and Acquire; the client will renegotiate.
		h.logger.WithError(err).WithField("upload_id", start.ID).Warn("Failed to lease upload")
		return false
	}

	h.uploadID = start.ID
	h.totalSize = start.FileSize
	h.release = release
	h.est = speed.New(h.srv.cfg.SpeedWindow, h.srv.cfg.MinSampleInterval)
	h.est.Sample(h.srv.now(), received)
	h.lastProgress = time.Time{}

	if received > 0 {
		h.logger.WithFields(logrus.Fields{
			"upload_id":      start.ID,
			"bytes_received": received,
		}).Info("Client resumed upload")
	}
	return h.send(channel.ResumeMessage(received))
}

func (h *connHandler) handleChunk(chunk *channel.Chunk) bool {
	if h.uploadID == "" {
		h.reject(apperr.Protocol("chunk", "chunk before start"))
		return false
	}

	payload := chunk.Payload
	if chunk.Compressed {
		data, err := compressor.DecompressData(payload, channel.MaxFrameSize)
		if err != nil {
			h.reject(apperr.Protocol("chunk", "%v", err))
			return false
		}
		payload = data
	}

	received, err := h.srv.ledger.AppendAt(h.uploadID, chunk.Offset, payload)
	var gap *apperr.GapError
	switch {
	case err == nil:
	case errors.As(err, &gap):
		h.logger.WithFields(logrus.Fields{
			"upload_id": h.uploadID,
			"expected":  gap.Expected,
			"got":       gap.Got,
		}).Debug("Chunk gap, resynchronising client")
		return h.send(channel.ResumeMessage(gap.Expected))
	case isDefinitive(err):
		h.reject(err)
		return false
	default:
		// Storage trouble; dropping the connection lets the client retry.
		h.logger.WithError(err).WithField("upload_id", h.uploadID).Error("Failed to commit chunk")
		return false
	}

	if !h.send(channel.AckMessage(received)) {
		return false
	}
	return h.maybeSendProgress(received)
}

func (h *connHandler) handleEnd(end *channel.End) bool {
	if h.uploadID == "" || end.ID != h.uploadID {
		h.reject(apperr.Protocol("end", "end for %q on connection bound to %q", end.ID, h.uploadID))
		return false
	}

	err := h.srv.ledger.Finalize(h.uploadID, end.Digest)
	var incomplete *apperr.IncompleteError
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyFinalized):
	case errors.As(err, &incomplete):
		return h.send(channel.ResumeMessage(incomplete.BytesReceived))
	case isDefinitive(err):
		h.reject(err)
		return false
	default:
		h.logger.WithError(err).WithField("upload_id", h.uploadID).Error("Failed to finalize upload")
		return false
	}

	if !h.send(channel.CompleteMessage("Upload complete")) {
		return false
	}
	h.unbind()
	return true
}

// maybeSendProgress pushes server-side telemetry at most once per
// ProgressInterval.
func (h *connHandler) maybeSendProgress(received uint64) bool {
	now := h.srv.now()
	if err := h.est.Sample(now, received); err != nil {
		h.est = speed.New(h.srv.cfg.SpeedWindow, h.srv.cfg.MinSampleInterval)
		h.est.Sample(now, received)
	}

	interval := h.srv.cfg.ProgressInterval
	if interval <= 0 || now.Sub(h.lastProgress) < interval {
		return true
	}
	h.lastProgress = now

	snap := h.est.Snapshot(h.totalSize)
	return h.send(channel.ProgressMessage(channel.Progress{
		BytesReceived: snap.Bytes,
		TotalSize:     snap.Total,
		Progress:      snap.Percent,
		Speed:         snap.Speed,
		ETASeconds:    snap.ETA.Seconds(),
		ETAKnown:      snap.ETAKnown,
	}))
}

func (h *connHandler) send(msg channel.Message) bool {
	if err := h.conn.Send(msg, h.srv.cfg.WriteTimeout); err != nil {
		h.logger.WithError(err).Debug("Failed to send message")
		return false
	}
	return true
}

// reject sends a definitive error to the client.
func (h *connHandler) reject(err error) {
	code := "internal"
	if kind, ok := apperr.KindOf(err); ok {
		code = kind.String()
	}
	h.logger.WithError(err).WithField("upload_id", h.uploadID).Warn("Rejecting client")
	h.send(channel.ErrorMessage(code, err.Error()))
}

func (h *connHandler) unbind() {
	if h.release != nil {
		h.release()
	}
	h.uploadID = ""
	h.totalSize = 0
	h.release = nil
	h.est = nil
}

// isDefinitive reports whether err must end the upload rather than the
// connection.
func isDefinitive(err error) bool {
	if errors.Is(err, ledger.ErrNotFound) {
		return true
	}
	kind, ok := apperr.KindOf(err)
	return ok && (kind == apperr.KindProtocol || kind == apperr.KindCapacity)
}
