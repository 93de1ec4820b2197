// Package transfer moves a file from a client to a server over a framed TCP
// channel. The client Session resumes from the server's committed offset
// after any interruption; the Server commits chunks through a ledger.
package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrRetriesExhausted = errors.New("upload retries exhausted")
	ErrAborted          = errors.New("upload aborted")
	ErrAlreadyStarted   = errors.New("session already started")
)

// PeerError is a definitive rejection sent by the server.
type PeerError struct {
	Code    string
	Message string
}

func (e *PeerError) Error() string {
	if e.Code == "" {
		return "peer rejected upload: " + e.Message
	}
	return fmt.Sprintf("peer rejected upload (%s): %s", e.Code, e.Message)
}
