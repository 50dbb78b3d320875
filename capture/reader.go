package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrRequestTooLarge is returned when a stream exceeds ReadOptions.MaxBytes.
var ErrRequestTooLarge = errors.New("capture: request exceeds size limit")

// ReadOptions bounds a single stream read.
type ReadOptions struct {
	ChunkSize int           // bytes per read, 8192 by default
	MaxBytes  int64         // 0 = unbounded
	Timeout   time.Duration // total budget for the stream, 0 = none
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// ReadStream reads r until the peer closes its write side (EOF or a
// zero-length read) and returns everything received. Any other read error
// is returned and the partial data is discarded.
//
// Without MaxBytes or Timeout a peer can grow the buffer without bound or
// hold the read forever.
func ReadStream(ctx context.Context, r io.Reader, opts ReadOptions, logger *slog.Logger) ([]byte, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout > 0 {
		if d, ok := r.(readDeadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
				return nil, fmt.Errorf("set read deadline: %w", err)
			}
		}
	}

	logger.DebugContext(ctx, "receiving stream")
	var data []byte
	chunk := make([]byte, opts.ChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
			logger.DebugContext(ctx, "received chunk", "bytes", n, "total", len(data))
			if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
				return nil, fmt.Errorf("%w: %d > %d bytes", ErrRequestTooLarge, len(data), opts.MaxBytes)
			}
		}
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}
	logger.DebugContext(ctx, "stream received", "total", len(data))
	return data, nil
}
