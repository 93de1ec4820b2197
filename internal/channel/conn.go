package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jaywantadh/resumable/internal/apperr"
)

// MaxFrameSize bounds a single frame. A base64 chunk payload of the largest
// allowed chunk size fits with room to spare.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned for frames outside (0, MaxFrameSize].
var ErrFrameTooLarge = errors.New("frame length out of range")

// Conn frames Messages over a stream connection: a 4-byte big-endian length
// followed by the JSON body. Send is safe for concurrent use; Receive must
// be called from one goroutine.
type Conn struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	writeMutex sync.Mutex
	closeOnce  sync.Once
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes msg and flushes it. A nil return means the transport accepted
// the whole frame. timeout <= 0 disables the write deadline.
func (c *Conn) Send(msg Message, timeout time.Duration) error {
	data, err := SerializeMessage(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return apperr.New(apperr.KindProtocol, "send "+string(msg.Type), "message too large",
			fmt.Errorf("%w: %d", ErrFrameTooLarge, len(data)))
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if err := WriteFrame(c.writer, data); err != nil {
		return apperr.Transport("send "+string(msg.Type), err)
	}
	if err := c.writer.Flush(); err != nil {
		return apperr.Transport("send "+string(msg.Type), err)
	}
	return nil
}

// Receive reads the next message. timeout <= 0 waits indefinitely. I/O
// failures are transport errors; undecodable frames are protocol violations.
func (c *Conn) Receive(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	data, err := ReadFrame(c.reader)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return Message{}, apperr.Protocol("receive", "%v", err)
		}
		return Message{}, apperr.Transport("receive", err)
	}

	msg, err := DeserializeMessage(data)
	if err != nil {
		return Message{}, apperr.Protocol("receive", "%v", err)
	}
	return msg, nil
}

// Close closes the underlying connection once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// WriteFrame writes one length-prefixed frame without flushing.
func WriteFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}
	return data, nil
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
