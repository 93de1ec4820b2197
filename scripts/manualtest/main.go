// Command manualtest uploads a file through an in-process server, cutting the
// connection once partway, and checks the stored copy against the original.
//
//	go run ./scripts/manualtest [file]
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jaywantadh/resumable/config"
	"github.com/jaywantadh/resumable/internal/chunker"
	"github.com/jaywantadh/resumable/internal/ledger"
	"github.com/jaywantadh/resumable/internal/metadata"
	"github.com/jaywantadh/resumable/internal/storage"
	"github.com/jaywantadh/resumable/internal/transfer"
	"github.com/jaywantadh/resumable/pkg/logging"
)

// cutOnceDialer breaks the first connection after limit written bytes.
type cutOnceDialer struct {
	transfer.TCPDialer
	limit int

	once sync.Once
}

func (d *cutOnceDialer) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := d.TCPDialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	cut := false
	d.once.Do(func() { cut = true })
	if !cut {
		return conn, nil
	}
	return &cutConn{Conn: conn, remaining: d.limit}, nil
}

type cutConn struct {
	net.Conn
	remaining int
}

func (c *cutConn) Write(p []byte) (int, error) {
	if len(p) <= c.remaining {
		c.remaining -= len(p)
		return c.Conn.Write(p)
	}
	n, _ := c.Conn.Write(p[:c.remaining])
	c.Conn.Close()
	return n, errors.New("manual test: connection cut")
}

func main() {
	if err := run(); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig("./config")
	if err != nil {
		return err
	}
	log := logging.InitLogger(true)

	workDir, err := os.MkdirTemp("", "resumable-manual-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "sample.bin")
	if len(os.Args) > 1 {
		inputPath = os.Args[1]
	} else if err := writeRandomFile(inputPath, 10_000_000); err != nil {
		return err
	}

	file, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer file.Close()
	origDigest, err := chunker.Digest(file)
	if err != nil {
		return err
	}
	fmt.Printf("📄 Original file: %s\n", inputPath)
	fmt.Printf("🔑 Original BLAKE2b: %s\n", origDigest)

	store, err := storage.NewLocalStorage(filepath.Join(workDir, "uploads"))
	if err != nil {
		return err
	}
	ms, err := metadata.OpenMetadataStore(filepath.Join(workDir, "metadata"))
	if err != nil {
		return err
	}
	defer ms.Close()

	l := ledger.New(store, ledger.WithStore(ms), ledger.WithLogger(log))
	defer l.Close()
	srv := transfer.NewServer(l, transfer.ServerConfig{
		IdleTimeout:      cfg.IdleTimeout,
		EvictionInterval: cfg.EvictionInterval,
		ProgressInterval: cfg.ProgressInterval,
		WriteTimeout:     cfg.AckTimeout,
	}, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	info, err := file.Stat()
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(inputPath)
	if err != nil {
		return err
	}
	id := transfer.NewUploadID(absPath, info.Size(), time.Now())
	dialer := &cutOnceDialer{
		TCPDialer: transfer.TCPDialer{Addr: ln.Addr().String(), Timeout: cfg.DialTimeout},
		limit:     int(info.Size() / 2),
	}
	session, err := transfer.NewSession(transfer.Upload{
		ID:       id,
		FileName: info.Name(),
		Reader:   file,
		Size:     info.Size(),
		Digest:   origDigest,
	}, dialer, transfer.SessionConfig{
		ChunkSize:  cfg.ChunkSize,
		RetryDelay: 100 * time.Millisecond,
		MaxRetries: cfg.MaxRetries,
		AckTimeout: cfg.AckTimeout,
	}, transfer.WithLogger(log))
	if err != nil {
		return err
	}
	if err := session.Run(ctx); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	storedDigest, err := store.Digest(id)
	if err != nil {
		return err
	}
	fmt.Printf("🔑 Stored BLAKE2b:   %s\n", storedDigest)
	if storedDigest != origDigest {
		return fmt.Errorf("digest mismatch")
	}
	fmt.Println("✅ Upload survived a disconnect and matches the original")
	return nil
}

func writeRandomFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 1<<20)
	for written := int64(0); written < size; {
		n := int64(len(buf))
		if size-written < n {
			n = size - written
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return nil
}
