package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/chunker"
	"github.com/sirupsen/logrus"
)

// uploadNamespace scopes generated upload ids.
var uploadNamespace = uuid.MustParse("6f1c9a52-7d3e-4b8e-9a57-2c0f4b1e8d63")

// NewUploadID derives a stable id for one upload attempt. The same path, size
// and creation time always give the same id; a new creation time gives a new
// one. Pass an absolute path so equal basenames in different directories do
// not collide.
func NewUploadID(path string, size int64, createdAt time.Time) string {
	key := path + "|" + strconv.FormatInt(size, 10) + "|" + strconv.FormatInt(createdAt.UnixNano(), 10)
	return uuid.NewSHA1(uploadNamespace, []byte(key)).String()
}

// Client uploads local files to a server.
type Client struct {
	addr   string
	cfg    SessionConfig
	dialer Dialer
	bus    *channel.Bus
	logger logrus.FieldLogger
}

// NewClient creates a Client for the server at addr.
func NewClient(addr string, dialTimeout time.Duration, cfg SessionConfig, bus *channel.Bus, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		addr:   addr,
		cfg:    cfg,
		dialer: TCPDialer{Addr: addr, Timeout: dialTimeout},
		bus:    bus,
		logger: logger,
	}
}

// UploadFile sends the file at path. An empty id derives one from the file's
// absolute path, size and modification time, so re-running the same command resumes
// the same upload. It returns the id used.
func (c *Client) UploadFile(ctx context.Context, path, id string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("file %s is empty", path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	name := filepath.Base(absPath)
	if id == "" {
		id = NewUploadID(absPath, info.Size(), info.ModTime())
	}

	digest, err := chunker.Digest(file)
	if err != nil {
		return id, err
	}

	session, err := NewSession(Upload{
		ID:       id,
		FileName: name,
		Reader:   file,
		Size:     info.Size(),
		Digest:   digest,
	}, c.dialer, c.cfg, WithBus(c.bus), WithLogger(c.logger))
	if err != nil {
		return id, err
	}

	c.logger.WithFields(logrus.Fields{
		"upload_id": id,
		"file_name": name,
		"size":      info.Size(),
		"server":    c.addr,
	}).Info("Starting upload")
	return id, session.Run(ctx)
}
