package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaywantadh/resumable/config"
	"github.com/jaywantadh/resumable/internal/channel"
	"github.com/jaywantadh/resumable/internal/ledger"
	"github.com/jaywantadh/resumable/internal/metadata"
	"github.com/jaywantadh/resumable/internal/storage"
	"github.com/jaywantadh/resumable/internal/transfer"
	"github.com/jaywantadh/resumable/pkg/env"
	"github.com/jaywantadh/resumable/pkg/httpserver"
	"github.com/jaywantadh/resumable/pkg/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "resumable",
		Usage: "Resumable chunked file uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "directory containing config.yaml",
				Value:   env.GetEnv("RESUMABLE_CONFIG_DIR", "."),
				EnvVars: []string{"RESUMABLE_CONFIG_DIR"},
			},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Run the upload server",
				Action:  runServe,
			},
			{
				Name:      "upload",
				Aliases:   []string{"u"},
				Usage:     "Upload a file, resuming a previous attempt when possible",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "server address (defaults to listen_addr)"},
					&cli.StringFlag{Name: "id", Usage: "upload id to resume"},
					&cli.IntFlag{Name: "chunk-size", Usage: "chunk size in bytes (0 picks one by file size)"},
					&cli.BoolFlag{Name: "compress", Usage: "lz4-compress chunk payloads"},
					&cli.BoolFlag{Name: "quiet", Usage: "log progress instead of drawing a bar"},
				},
				Action: runUpload,
			},
			{
				Name:      "status",
				Usage:     "Query the server's view of an upload",
				ArgsUsage: "<upload-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "status endpoint base URL", Value: "http://localhost:9091"},
				},
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logging.Log == nil {
			logging.InitLogger(false)
		}
		logging.Log.Fatal(err)
	}
}

func setup(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	return cfg, nil
}

func runServe(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	log := logging.Component("server")

	store, err := storage.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return err
	}

	opts := []ledger.Option{
		ledger.WithLogger(logging.Component("ledger")),
		ledger.WithMaxUploadSize(cfg.MaxUploadSize),
		ledger.WithMaxRecords(cfg.MaxRecords),
	}
	if cfg.MetadataPath != "" {
		metaStore, err := metadata.OpenMetadataStore(cfg.MetadataPath)
		if err != nil {
			return err
		}
		defer metaStore.Close()
		opts = append(opts, ledger.WithStore(metaStore))
	}

	l := ledger.New(store, opts...)
	defer l.Close()
	if _, err := l.Restore(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := transfer.NewServer(l, transfer.ServerConfig{
		IdleTimeout:       cfg.IdleTimeout,
		EvictionInterval:  cfg.EvictionInterval,
		ProgressInterval:  cfg.ProgressInterval,
		SpeedWindow:       cfg.SpeedWindow,
		MinSampleInterval: cfg.MinSampleInterval,
		WriteTimeout:      cfg.AckTimeout,
	}, log)

	statusErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		go func() {
			statusErr <- httpserver.Serve(ctx, cfg.StatusAddr, transfer.StatusHandler(l), logging.Component("status"))
		}()
	} else {
		statusErr <- nil
	}

	err = srv.ListenAndServe(ctx, cfg.ListenAddr)
	stop()
	if serr := <-statusErr; err == nil {
		err = serr
	}
	return err
}

func runUpload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("upload takes exactly one file argument", 2)
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}

	addr := c.String("server")
	if addr == "" {
		addr = cfg.ListenAddr
	}
	chunkSize := cfg.ChunkSize
	if c.IsSet("chunk-size") {
		chunkSize = c.Int("chunk-size")
	}
	if chunkSize > config.MaxChunkSize {
		return fmt.Errorf("chunk size must not exceed %d", config.MaxChunkSize)
	}

	path := c.Args().First()
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	bus := channel.NewBus()
	log := logging.Component("upload")
	if c.Bool("quiet") {
		transfer.NewProgressTracker(log, time.Second).Attach(bus)
	} else {
		bus.Subscribe(newProgressUI(info.Size()).observe)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transfer.NewClient(addr, cfg.DialTimeout, transfer.SessionConfig{
		ChunkSize:         chunkSize,
		RetryDelay:        cfg.RetryDelay,
		MaxRetries:        cfg.MaxRetries,
		AckTimeout:        cfg.AckTimeout,
		Compress:          cfg.Compress || c.Bool("compress"),
		SpeedWindow:       cfg.SpeedWindow,
		MinSampleInterval: cfg.MinSampleInterval,
	}, bus, log)

	id, err := client.UploadFile(ctx, path, c.String("id"))
	if err != nil {
		if id != "" {
			return fmt.Errorf("upload %s failed (resume with --id %s): %w", id, id, err)
		}
		return err
	}
	fmt.Println(id)
	return nil
}

func runStatus(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("status takes exactly one upload id", 2)
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()

	st, err := transfer.NewStatusClient(c.String("url")).GetUploadStatus(ctx, c.Args().First())
	if err != nil {
		return err
	}

	fmt.Printf("Upload: %s\n", st.UploadID)
	fmt.Printf("  File: %s\n", st.FileName)
	fmt.Printf("  Bytes: %s/%s (%.1f%%)\n",
		transfer.FormatBytes(st.BytesReceived), transfer.FormatBytes(st.TotalSize), st.ProgressPercent)
	fmt.Printf("  Finalized: %t\n", st.Finalized)
	fmt.Printf("  Last Activity: %s\n", st.LastActivity.Format(time.RFC3339))
	return nil
}
