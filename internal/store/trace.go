package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression of a trace file.
type Codec string

const (
	// CodecZstd writes trace.jsonl.zst; appending adds a new zstd frame.
	CodecZstd Codec = "zstd"
	// CodecLZ4 writes trace.jsonl.lz4, favouring speed over size.
	CodecLZ4 Codec = "lz4"
	// CodecS2 writes trace.jsonl.s2.
	CodecS2 Codec = "s2"
)

var traceCodecs = []Codec{CodecZstd, CodecLZ4, CodecS2}

// ParseCodec returns the codec with the given name.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case CodecZstd, CodecLZ4, CodecS2:
		return Codec(name), nil
	}
	return "", fmt.Errorf("unknown trace codec %q (want zstd, lz4 or s2)", name)
}

func (c Codec) fileName() string {
	switch c {
	case CodecLZ4:
		return "trace.jsonl.lz4"
	case CodecS2:
		return "trace.jsonl.s2"
	}
	return "trace.jsonl.zst"
}

// frameWriter is a compressing writer.
type frameWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// TraceEntry records one finished single minimization of a fit.
// Each entry is serialized as a JSON line.
type TraceEntry struct {
	// Round and Worker identify the minimization within the restart schedule.
	Round  int `json:"round"`
	Worker int `json:"worker"`

	// Iterations is the total number of simplex steps so far.
	Iterations int `json:"iterations"`

	// Cost is the residual sum of squares reached by this minimization.
	Cost float64 `json:"cost"`

	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TraceWriter writes trace entries as compressed JSON lines.
// It is safe for concurrent use.
type TraceWriter struct {
	mu      sync.Mutex
	file    *os.File
	encoder frameWriter
	writer  *bufio.Writer
	path    string
}

// NewTraceWriter creates a zstd trace writer for the given job.
// The trace file is created at <baseDir>/jobs/<jobID>/trace.jsonl.zst.
// If append is true, entries are written as a new zstd frame after the
// existing ones.
func NewTraceWriter(baseDir, jobID string, append bool) (*TraceWriter, error) {
	return NewTraceWriterCodec(baseDir, jobID, CodecZstd, append)
}

// NewTraceWriterCodec creates a trace writer with the given compression.
// Appending is only supported for zstd.
func NewTraceWriterCodec(baseDir, jobID string, codec Codec, append bool) (*TraceWriter, error) {
	if append && codec != CodecZstd {
		return nil, fmt.Errorf("append is not supported for %s traces", codec)
	}

	jobDir := filepath.Join(baseDir, "jobs", jobID)

	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	// A job has a single trace
	for _, other := range traceCodecs {
		if other != codec {
			os.Remove(filepath.Join(jobDir, other.fileName()))
		}
	}

	path := filepath.Join(jobDir, codec.fileName())

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	var encoder frameWriter
	switch codec {
	case CodecLZ4:
		encoder = lz4.NewWriter(file)
	case CodecS2:
		encoder = s2.NewWriter(file)
	default:
		enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		encoder = enc
	}

	return &TraceWriter{
		file:    file,
		encoder: encoder,
		writer:  bufio.NewWriterSize(encoder, 64*1024),
		path:    path,
	}, nil
}

// Write appends a trace entry.
// The entry is buffered and will be written on Flush() or Close().
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush compresses buffered entries and syncs them to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.encoder.Flush(); err != nil {
		return fmt.Errorf("failed to flush encoder: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered data, ends the compressed frame and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.encoder.Close()
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.encoder.Close(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries from a compressed trace file.
type TraceReader struct {
	file    *os.File
	release func()
	scanner *bufio.Scanner
}

// NewTraceReader creates a new trace reader for the given job, whichever
// codec its trace was written with.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	for _, codec := range traceCodecs {
		path := filepath.Join(baseDir, "jobs", jobID, codec.fileName())

		file, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}

		var src io.Reader
		release := func() {}
		switch codec {
		case CodecLZ4:
			src = lz4.NewReader(file)
		case CodecS2:
			src = s2.NewReader(file)
		default:
			decoder, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
			src = decoder
			release = decoder.Close
		}

		scanner := bufio.NewScanner(src)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		return &TraceReader{
			file:    file,
			release: release,
			scanner: scanner,
		}, nil
	}
	return nil, &NotFoundError{JobID: jobID}
}

// Read reads the next trace entry.
// Returns io.EOF when no more entries are available.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads all remaining trace entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	tr.release()
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace file for the given job.
// Returns nil if the file doesn't exist.
func DeleteTrace(baseDir, jobID string) error {
	for _, codec := range traceCodecs {
		path := filepath.Join(baseDir, "jobs", jobID, codec.fileName())
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete trace file: %w", err)
		}
	}
	return nil
}
