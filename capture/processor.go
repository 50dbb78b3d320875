// Package capture reads one raw stream per TCP connection, splits it into a
// pseudo-HTTP header and body, pulls out an embedded JPEG, persists both,
// and acknowledges with a fixed response.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hazyhaar/imgcatch/artifact"
	"github.com/hazyhaar/imgcatch/idgen"
	"github.com/hazyhaar/imgcatch/kit"
	"github.com/hazyhaar/imgcatch/ledger"
	"github.com/hazyhaar/imgcatch/observability"
)

// Connection outcomes.
const (
	OutcomeProcessed      = "processed"
	OutcomeMalformed      = "malformed"
	OutcomeTransportError = "transport_error"
)

// Result describes what happened to one stream.
type Result struct {
	ConnID     string
	RemoteAddr string
	ReceivedAt time.Time
	Raw        []byte // the full stream, aliasing the read buffer
	RawBytes   int
	Outcome    string

	ImageDeclared bool
	Image         []byte // nil when no image was extracted
	ImageErr      error  // why no image was extracted, when declared

	Name          string // shared by both artifacts of this stream
	ImageLocation string
	RawLocation   string
	ImageWriteErr error
	RawWriteErr   error

	Responded bool
	SendErr   error
	ReadErr   error
}

// Handler processes connections. It holds no per-connection state, so one
// Handler may serve concurrent connections when the store allows it.
type Handler struct {
	Config  *Config
	Store   artifact.Store
	Ledger  *ledger.Ledger
	Metrics *observability.MetricsManager
	Logger  *slog.Logger

	newName   idgen.Generator
	newConnID idgen.Generator
	now       func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLedger records every connection in l.
func WithLedger(l *ledger.Ledger) HandlerOption {
	return func(h *Handler) { h.Ledger = l }
}

// WithMetrics records per-connection metrics in m.
func WithMetrics(m *observability.MetricsManager) HandlerOption {
	return func(h *Handler) { h.Metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.Logger = l }
}

// WithNamer overrides the artifact name generator chosen by Config.Naming.
func WithNamer(g idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newName = g }
}

// WithConnIDGenerator sets the connection ID generator.
func WithConnIDGenerator(g idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newConnID = g }
}

// WithClock sets the clock used for names and timestamps.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a handler writing artifacts to store.
func NewHandler(cfg *Config, store artifact.Store, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	h := &Handler{
		Config:    cfg,
		Store:     store,
		Logger:    slog.Default(),
		newConnID: idgen.Prefixed("conn_", idgen.Default),
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.newName == nil {
		namer, err := artifact.NewNamer(cfg.Naming, h.now)
		if err != nil {
			return nil, err
		}
		h.newName = namer
	}
	return h, nil
}

// Process runs the request steps on a fully read stream: split, detect,
// extract, persist. It returns ErrNoHeaderTerminator (and writes nothing)
// when raw holds no header terminator. Persistence failures are recorded in
// the Result and logged; they never stop the remaining steps.
func (h *Handler) Process(ctx context.Context, raw []byte) (*Result, error) {
	log := h.Logger.With(kit.LogAttrs(ctx)...)
	res := &Result{
		ConnID:     kit.GetConnID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		ReceivedAt: h.now(),
		Raw:        raw,
		RawBytes:   len(raw),
	}

	req, err := SplitRequest(raw)
	if err != nil {
		res.Outcome = OutcomeMalformed
		log.InfoContext(ctx, "no valid HTTP headers found", "bytes", len(raw))
		return res, err
	}
	res.Outcome = OutcomeProcessed
	log.DebugContext(ctx, "headers", "header", string(req.Header), "body_bytes", len(req.Body))

	res.Name = h.newName()

	res.ImageDeclared = DeclaresImage(req.Header, h.Config.HeaderMatch)
	if res.ImageDeclared {
		res.Image, res.ImageErr = ExtractJPEG(req.Body, h.Config.AnchorEndMarker)
		switch {
		case res.ImageErr == nil:
		case errors.Is(res.ImageErr, ErrInvertedMarkers):
			log.WarnContext(ctx, "image markers out of order, no image extracted")
		default:
			log.InfoContext(ctx, "no valid image data found in the request body")
		}
	} else {
		log.InfoContext(ctx, "no image content type in the request headers")
	}

	if res.Image != nil {
		res.ImageLocation, res.ImageWriteErr = h.Store.Put(ctx, artifact.KindImage, res.Name, res.Image)
		if res.ImageWriteErr != nil {
			log.ErrorContext(ctx, "failed to save image data", "error", res.ImageWriteErr)
		} else {
			log.InfoContext(ctx, "image saved", "location", res.ImageLocation, "bytes", len(res.Image))
		}
	}

	res.RawLocation, res.RawWriteErr = h.Store.Put(ctx, artifact.KindRaw, res.Name, raw)
	if res.RawWriteErr != nil {
		log.ErrorContext(ctx, "failed to save binary data", "error", res.RawWriteErr)
	} else {
		log.InfoContext(ctx, "binary data saved", "location", res.RawLocation, "bytes", len(raw))
	}
	return res, nil
}

// HandleConn serves one connection end to end: read until the peer closes
// its write side, process, send Response, shut down and close. Nothing
// escapes as an error; the Result says what happened.
func (h *Handler) HandleConn(ctx context.Context, conn net.Conn) *Result {
	start := h.now()
	ctx = kit.WithConnID(ctx, h.newConnID())
	ctx = kit.WithRemoteAddr(ctx, conn.RemoteAddr().String())
	ctx = kit.WithTransport(ctx, "tcp")
	log := h.Logger.With(kit.LogAttrs(ctx)...)
	log.InfoContext(ctx, "connection accepted")

	defer closeConn(ctx, conn, log)

	raw, err := ReadStream(ctx, conn, h.Config.ReadOptions(), log)
	if err != nil {
		log.ErrorContext(ctx, "connection abandoned", "error", err)
		res := &Result{
			ConnID:     kit.GetConnID(ctx),
			RemoteAddr: kit.GetRemoteAddr(ctx),
			ReceivedAt: start,
			Outcome:    OutcomeTransportError,
			ReadErr:    err,
		}
		h.finish(ctx, res, start)
		return res
	}

	res, err := h.Process(ctx, raw)
	if err != nil {
		h.finish(ctx, res, start)
		return res
	}

	if err := WriteResponse(conn); err != nil {
		res.SendErr = err
		log.ErrorContext(ctx, "failed to send response", "error", err)
	} else {
		res.Responded = true
		log.InfoContext(ctx, "response sent")
	}
	h.finish(ctx, res, start)
	return res
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// closeConn shuts down both directions then closes. Errors are only logged:
// the peer may already be gone.
func closeConn(ctx context.Context, conn net.Conn, log *slog.Logger) {
	if hc, ok := conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err != nil {
			log.DebugContext(ctx, "shutdown write", "error", err)
		}
		if err := hc.CloseRead(); err != nil {
			log.DebugContext(ctx, "shutdown read", "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		log.DebugContext(ctx, "close", "error", err)
	}
	log.InfoContext(ctx, "connection closed")
}

// finish writes the ledger row and metrics for res.
func (h *Handler) finish(ctx context.Context, res *Result, start time.Time) {
	elapsed := h.now().Sub(start)
	h.recordMetrics(res, elapsed)
	h.recordLedger(ctx, res, elapsed)
}

func (h *Handler) recordMetrics(res *Result, elapsed time.Duration) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Record(&observability.Metric{
		Name:   observability.MetricCaptureOutcome,
		Value:  1,
		Unit:   "count",
		Labels: map[string]string{"outcome": res.Outcome},
	})
	h.Metrics.RecordSimple(observability.MetricCaptureBytes, float64(res.RawBytes), "bytes")
	h.Metrics.RecordSimple(observability.MetricCaptureDurationMs, float64(elapsed.Milliseconds()), "milliseconds")
	if res.Image != nil {
		h.Metrics.RecordSimple(observability.MetricImageBytes, float64(len(res.Image)), "bytes")
	}
	if res.ImageWriteErr != nil || res.RawWriteErr != nil {
		h.Metrics.RecordSimple(observability.MetricPersistFailures, 1, "count")
	}
}

func (h *Handler) recordLedger(ctx context.Context, res *Result, elapsed time.Duration) {
	if h.Ledger == nil {
		return
	}
	c := &ledger.Capture{
		ConnID:     res.ConnID,
		RemoteAddr: res.RemoteAddr,
		ReceivedAt: res.ReceivedAt,
		RawBytes:   int64(res.RawBytes),
		Outcome:    res.Outcome,
		ImageFound: res.Image != nil,
		Responded:  res.Responded,
		DurationMS: elapsed.Milliseconds(),
	}
	if err := firstErr(res.ReadErr, res.ImageWriteErr, res.RawWriteErr, res.SendErr); err != nil {
		c.Error = err.Error()
	}
	if res.Image != nil && res.ImageWriteErr == nil {
		c.Artifacts = append(c.Artifacts, &ledger.Artifact{
			Kind:      string(artifact.KindImage),
			Name:      res.Name,
			Location:  res.ImageLocation,
			SizeBytes: int64(len(res.Image)),
			Blake2b:   ledger.Digest(res.Image),
		})
	}
	if res.Outcome == OutcomeProcessed && res.RawWriteErr == nil {
		c.Artifacts = append(c.Artifacts, &ledger.Artifact{
			Kind:      string(artifact.KindRaw),
			Name:      res.Name,
			Location:  res.RawLocation,
			SizeBytes: int64(res.RawBytes),
			Blake2b:   ledger.Digest(res.Raw),
		})
	}
	if err := h.Ledger.RecordCapture(ctx, c); err != nil {
		h.Logger.ErrorContext(ctx, "ledger record failed", "conn_id", res.ConnID, "error", err)
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
