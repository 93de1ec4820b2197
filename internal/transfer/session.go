package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/chunker"
	"github.com/jaywantadh/resumable/internal/compressor"
	"github.com/jaywantadh/resumable/internal/speed"
	"github.com/sirupsen/logrus"
)

// Dialer opens the transport for one attempt.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// TCPDialer dials a fixed server address.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", d.Addr)
}

// Clock is the time source for retry delays and progress samples.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SessionConfig holds the tunables of a client session.
type SessionConfig struct {
	ChunkSize         int
	RetryDelay        time.Duration
	MaxRetries        int
	AckTimeout        time.Duration
	Compress          bool
	SpeedWindow       time.Duration
	MinSampleInterval time.Duration
}

// Upload describes the file a session sends.
type Upload struct {
	ID       string
	FileName string
	Reader   io.ReaderAt
	Size     int64
	// Digest is the hex blake2b-256 of the whole file. Empty skips
	// server-side verification.
	Digest string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithBus publishes session events to bus.
func WithBus(bus *channel.Bus) SessionOption {
	return func(s *Session) { s.bus = bus }
}

// WithLogger sets the session logger.
func WithLogger(logger logrus.FieldLogger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// Session drives one upload through the state machine, reconnecting and
// renegotiating with the same id after transport failures.
type Session struct {
	cfg    SessionConfig
	upload Upload
	source *chunker.Source
	dialer Dialer
	clock  Clock
	bus    *channel.Bus
	logger logrus.FieldLogger
	est    *speed.Estimator

	mu       sync.Mutex
	state    State
	snapshot speed.Snapshot
	cancel   context.CancelFunc
	aborted  bool
}

// NewSession validates upload and prepares a session in the Idle state.
func NewSession(upload Upload, dialer Dialer, cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if upload.ID == "" {
		return nil, fmt.Errorf("upload id is required")
	}
	if upload.Size <= 0 {
		return nil, fmt.Errorf("file size must be positive")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.SuggestChunkSize(upload.Size)
	}
	if cfg.ChunkSize > chunker.MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds limit %d", cfg.ChunkSize, chunker.MaxChunkSize)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}

	source, err := chunker.NewSource(upload.Reader, upload.Size, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		upload: upload,
		source: source,
		dialer: dialer,
		clock:  realClock{},
		logger: logrus.StandardLogger(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.est = speed.New(cfg.SpeedWindow, cfg.MinSampleInterval)
	s.snapshot = speed.Snapshot{Total: uint64(upload.Size)}
	s.logger = s.logger.WithFields(logrus.Fields{"upload_id": upload.ID, "file_name": upload.FileName})
	return s, nil
}

// ID returns the upload identifier.
func (s *Session) ID() string {
	return s.upload.ID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns the latest estimate. It does not move while retrying.
func (s *Session) Progress() speed.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Abort stops the session. It moves to Failed and closes the transport; the
// server keeps its record so a later session with the same id can resume.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborted = true
	if s.cancel != nil {
		s.cancel()
		return
	}
	// Not running yet.
	if next, err := Transition(s.state, EventAbort); err == nil {
		s.state = next
	}
}

// Run performs the upload and blocks until it completes, fails, or ctx is
// cancelled.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return ErrAborted
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.publish(channel.Event{Kind: channel.EventStart})
	s.transition(EventBegin)

	retries := 0
	for {
		progressed, err := s.attempt(ctx)
		if err == nil {
			s.publish(channel.Event{Kind: channel.EventComplete, Progress: s.Progress()})
			s.logger.Info("Upload completed")
			return nil
		}

		if ctx.Err() != nil {
			return s.fail(EventAbort, ErrAborted)
		}
		var peerErr *PeerError
		if errors.As(err, &peerErr) || !apperr.Retryable(err) {
			return s.fail(EventPeerError, err)
		}

		if progressed {
			retries = 0
		}
		s.transition(EventChannelError)
		if retries >= s.cfg.MaxRetries {
			return s.fail(EventRetriesExhausted, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retries+1, err))
		}
		retries++

		if channel.IsTimeout(err) {
			s.logger.WithField("attempt", retries).Warn("Server stopped answering, retrying")
		} else {
			s.logger.WithError(err).WithField("attempt", retries).Warn("Upload interrupted, retrying")
		}
		s.publish(channel.Event{Kind: channel.EventRetrying, Attempt: retries, Progress: s.Progress(), Err: err})

		select {
		case <-s.clock.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return s.fail(EventAbort, ErrAborted)
		}
		s.transition(EventRetry)
	}
}

func (s *Session) fail(ev EventKind, err error) error {
	s.transition(ev)
	s.logger.WithError(err).Error("Upload failed")
	s.publish(channel.Event{Kind: channel.EventError, Progress: s.Progress(), Err: err})
	return err
}

func (s *Session) transition(ev EventKind) {
	s.mu.Lock()
	from := s.state
	next, err := Transition(from, ev)
	if err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).Debug("Ignored session event")
		return
	}
	s.state = next
	s.mu.Unlock()

	if next != from {
		s.logger.WithFields(logrus.Fields{"from": from.String(), "to": next.String()}).Debug("Session state changed")
		s.publish(channel.Event{Kind: channel.EventState, State: next.String()})
	}
}

func (s *Session) publish(ev channel.Event) {
	ev.UploadID = s.upload.ID
	ev.FileName = s.upload.FileName
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.bus.Publish(ev)
}

// attempt runs one connection from Connecting until Completed or the first
// error. progressed reports whether any chunk was acknowledged.
func (s *Session) attempt(ctx context.Context) (progressed bool, err error) {
	netConn, err := s.dialer.Dial(ctx)
	if err != nil {
		return false, apperr.Transport("dial", err)
	}
	conn := channel.NewConn(netConn)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	start := channel.Start{
		ID:        s.upload.ID,
		FileName:  s.upload.FileName,
		FileSize:  s.source.Size(),
		ChunkSize: uint64(s.source.ChunkSize()),
		Version:   channel.ProtocolVersion,
	}
	if err := conn.Send(channel.StartMessage(start), s.cfg.AckTimeout); err != nil {
		return false, err
	}
	s.transition(EventConnected)

	offset, err := s.awaitResume(conn)
	if err != nil {
		return false, err
	}
	s.resumeAt(offset)

	for {
		for offset < s.source.Size() {
			next, resynced, err := s.sendChunk(conn, offset)
			if err != nil {
				return progressed, err
			}
			offset = next
			if resynced {
				s.resumeAt(offset)
				continue
			}
			progressed = true
			s.transition(EventChunkAcked)
			s.sample(offset)
		}

		s.transition(EventAllSent)
		end := channel.End{ID: s.upload.ID, Digest: s.upload.Digest}
		if err := conn.Send(channel.EndMessage(end), s.cfg.AckTimeout); err != nil {
			return progressed, err
		}

		done, resume, err := s.awaitComplete(conn)
		if err != nil {
			return progressed, err
		}
		if done {
			s.transition(EventFinalized)
			return progressed, nil
		}
		// The server is missing bytes; keep streaming from its offset.
		offset = resume
		s.resumeAt(offset)
	}
}

// resumeAt enters Streaming at offset with a fresh speed window.
func (s *Session) resumeAt(offset uint64) {
	s.transition(EventResumed)
	if offset < s.est.Bytes() {
		// The server holds less than we last saw acked; count from its offset.
		s.est = speed.New(s.cfg.SpeedWindow, s.cfg.MinSampleInterval)
	} else {
		s.est.Reset()
	}
	s.est.Sample(s.clock.Now(), offset)

	s.mu.Lock()
	s.snapshot = s.est.Snapshot(s.source.Size())
	s.mu.Unlock()

	if offset > 0 {
		s.logger.WithField("offset", offset).Info("Resuming upload")
	}
	s.publish(channel.Event{Kind: channel.EventResume, Offset: offset, Progress: s.Progress()})
}

func (s *Session) sample(offset uint64) {
	if err := s.est.Sample(s.clock.Now(), offset); err != nil {
		s.logger.WithError(err).Debug("Dropped progress sample")
		return
	}
	s.mu.Lock()
	s.snapshot = s.est.Snapshot(s.source.Size())
	snap := s.snapshot
	s.mu.Unlock()
	s.publish(channel.Event{Kind: channel.EventProgress, Progress: snap})
}

func (s *Session) awaitResume(conn *channel.Conn) (uint64, error) {
	for {
		msg, err := conn.Receive(s.cfg.AckTimeout)
		if err != nil {
			return 0, err
		}
		switch msg.Type {
		case channel.TypeResume:
			return s.checkOffset(msg.Resume.BytesReceived)
		case channel.TypeProgress:
			s.publishRemote(msg.Progress)
		case channel.TypeError:
			return 0, &PeerError{Code: msg.Error.Code, Message: msg.Error.Message}
		default:
			return 0, apperr.Protocol("negotiate", "unexpected %q before resume", msg.Type)
		}
	}
}

// sendChunk sends the chunk at offset and waits for the server's verdict.
// resynced is true when the server answered with a resume offset instead of
// an ack.
func (s *Session) sendChunk(conn *channel.Conn, offset uint64) (next uint64, resynced bool, err error) {
	chunk, err := s.source.Next(offset)
	if err != nil {
		return offset, false, fmt.Errorf("failed to read chunk at %d: %w", offset, err)
	}

	body := channel.Chunk{Offset: chunk.Offset, Payload: chunk.Payload}
	if s.cfg.Compress && !compressor.ShouldSkipCompression(s.upload.FileName) {
		payload, compressed, err := compressor.MaybeCompress(chunk.Payload)
		if err != nil {
			return offset, false, err
		}
		body.Payload, body.Compressed = payload, compressed
	}

	if err := conn.Send(channel.ChunkMessage(body), s.cfg.AckTimeout); err != nil {
		return offset, false, err
	}

	for {
		msg, err := conn.Receive(s.cfg.AckTimeout)
		if err != nil {
			return offset, false, err
		}
		switch msg.Type {
		case channel.TypeAck:
			n, err := s.checkOffset(msg.Ack.BytesReceived)
			// An ack short of the chunk's end means it was not committed.
			return n, err == nil && n < chunk.End(), err
		case channel.TypeResume:
			n, err := s.checkOffset(msg.Resume.BytesReceived)
			return n, true, err
		case channel.TypeProgress:
			s.publishRemote(msg.Progress)
		case channel.TypeError:
			return offset, false, &PeerError{Code: msg.Error.Code, Message: msg.Error.Message}
		default:
			return offset, false, apperr.Protocol("stream", "unexpected %q after chunk", msg.Type)
		}
	}
}

func (s *Session) awaitComplete(conn *channel.Conn) (done bool, resume uint64, err error) {
	for {
		msg, err := conn.Receive(s.cfg.AckTimeout)
		if err != nil {
			return false, 0, err
		}
		switch msg.Type {
		case channel.TypeComplete:
			return true, 0, nil
		case channel.TypeResume:
			n, err := s.checkOffset(msg.Resume.BytesReceived)
			return false, n, err
		case channel.TypeProgress:
			s.publishRemote(msg.Progress)
		case channel.TypeError:
			return false, 0, &PeerError{Code: msg.Error.Code, Message: msg.Error.Message}
		default:
			return false, 0, apperr.Protocol("complete", "unexpected %q after end", msg.Type)
		}
	}
}

func (s *Session) checkOffset(n uint64) (uint64, error) {
	if n > s.source.Size() {
		return 0, apperr.Protocol("resume", "server offset %d exceeds file size %d", n, s.source.Size())
	}
	return n, nil
}

func (s *Session) publishRemote(p *channel.Progress) {
	s.publish(channel.Event{Kind: channel.EventProgress, Progress: s.Progress(), Remote: p})
}
