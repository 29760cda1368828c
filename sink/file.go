package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gwerrors "github.com/Titoyabril/oee-dashboard-sub000/errors"
)

// FileConfig configures the file sink.
type FileConfig struct {
	// Dir is the output directory. One JSONL file per stream is created
	// inside it: telemetry.jsonl and events.jsonl.
	Dir string
	// FlushInterval forces buffered lines to disk this often.
	FlushInterval time.Duration
}

func (c FileConfig) withDefaults() FileConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// Validate checks the configuration for errors.
func (c FileConfig) Validate() error {
	if c.Dir == "" {
		return gwerrors.WrapInvalid(gwerrors.ErrMissingConfig, "FileConfig", "Validate", "dir is required")
	}
	return nil
}

// File appends records to per-stream JSONL files. Writes land in a buffer
// and reach disk on the flush ticker, on Flush, or on Close.
type File struct {
	cfg    FileConfig
	logger *slog.Logger

	mu     sync.Mutex
	files  map[Stream]*os.File
	bufs   map[Stream]*bufio.Writer
	closed bool

	done      chan struct{}
	flusherWG sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewFile creates the output directory, opens both stream files in append
// mode and starts the flush ticker.
func NewFile(cfg FileConfig, logger *slog.Logger) (*File, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, gwerrors.WrapFatal(err, "File", "NewFile", "create output directory")
	}

	f := &File{
		cfg:    cfg,
		logger: logger.With("component", "file-sink"),
		files:  make(map[Stream]*os.File, 2),
		bufs:   make(map[Stream]*bufio.Writer, 2),
		done:   make(chan struct{}),
	}

	for _, stream := range []Stream{StreamTelemetry, StreamEvents} {
		path := filepath.Join(cfg.Dir, string(stream)+".jsonl")
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			f.closeFilesLocked()
			return nil, gwerrors.WrapFatal(err, "File", "NewFile", "open "+path)
		}
		f.files[stream] = fh
		f.bufs[stream] = bufio.NewWriter(fh)
	}

	f.flusherWG.Add(1)
	go f.flushLoop()

	return f, nil
}

// Name implements Sink.
func (f *File) Name() string { return "file" }

// Path reports the file a stream appends to.
func (f *File) Path(stream Stream) string {
	return filepath.Join(f.cfg.Dir, string(stream)+".jsonl")
}

// Write appends the record as one JSON line.
func (f *File) Write(_ context.Context, rec Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return gwerrors.WrapTransient(gwerrors.ErrShuttingDown, "File", "Write", "sink closed")
	}
	buf, ok := f.bufs[rec.Stream]
	if !ok {
		return gwerrors.WrapInvalid(fmt.Errorf("unknown stream %q", rec.Stream), "File", "Write", "resolve stream file")
	}
	if _, err := buf.Write(append(data, '\n')); err != nil {
		return gwerrors.WrapTransient(err, "File", "Write", "append line")
	}
	return nil
}

// Flush pushes buffered lines to disk.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	var errs []error
	for stream, buf := range f.bufs {
		if err := buf.Flush(); err != nil {
			errs = append(errs, gwerrors.WrapTransient(err, "File", "Flush", "flush "+string(stream)))
		}
	}
	return errors.Join(errs...)
}

func (f *File) flushLoop() {
	defer f.flusherWG.Done()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			if err := f.Flush(); err != nil {
				f.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

// Close flushes both buffers and closes the files. Safe to call more than
// once.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.flusherWG.Wait()

		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true

		errs := []error{f.flushLocked()}
		errs = append(errs, f.closeFilesLocked())
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}

func (f *File) closeFilesLocked() error {
	var errs []error
	for stream, fh := range f.files {
		if err := fh.Close(); err != nil {
			errs = append(errs, gwerrors.WrapTransient(err, "File", "Close", "close "+string(stream)+" file"))
		}
	}
	clear(f.files)
	clear(f.bufs)
	return errors.Join(errs...)
}
