package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"example.com/withme/internal/config"
	"example.com/withme/internal/domain"
	"example.com/withme/internal/stats"
	"example.com/withme/internal/stream"
)

// Submitter accepts one raw ping from a source address.
type Submitter interface {
	Submit(ctx context.Context, raw []byte, sourceAddr string) (int64, error)
}

// StatsSource serves the current statistics snapshot.
type StatsSource interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg     config.Config
	Gateway Submitter
	Stats   StatsSource
	Stream  *stream.Broadcaster
	Store   Pinger
	Logger  *slog.Logger

	// streams is cancelled when the server shuts down.
	streams context.Context
}

func (d *ServerDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (d *ServerDeps) HandleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := d.Store.Ready(ctx); err != nil {
		d.logger().Warn("readiness check failed", "err", err)
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "storage not reachable", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// --- Ping ---

func (d *ServerDeps) HandlePing(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, http.StatusBadRequest, "invalid json", "request body too large", nil)
			return
		}
		WriteProblem(w, http.StatusBadRequest, "invalid json", "could not read request body", nil)
		return
	}

	if _, err := d.Gateway.Submit(r.Context(), raw, ClientAddr(r, d.Cfg.TrustProxyHeaders)); err != nil {
		d.writeSubmitError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
}

// writeSubmitError maps ingest errors onto HTTP statuses.
func (d *ServerDeps) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var serr *domain.StorageError
	switch {
	case errors.Is(err, domain.ErrMalformedBody):
		WriteProblem(w, http.StatusBadRequest, "invalid json", "Invalid JSON body", nil)
	case errors.As(err, &verr):
		prob := map[string][]string{}
		for _, fe := range verr.Fields {
			prob[fe.Field] = append(prob[fe.Field], fe.Msg)
		}
		WriteProblem(w, http.StatusUnprocessableEntity, "validation failed", verr.Error(), prob)
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", retryAfter(d.Cfg.RateLimit.WindowSeconds))
		WriteProblem(w, http.StatusTooManyRequests, "rate limit exceeded", "Rate limit exceeded", nil)
	case errors.As(err, &serr):
		d.logger().Error("ping not stored", "op", serr.Op, "err", serr.Err, "request_id", RequestIDFrom(r.Context()))
		WriteProblem(w, http.StatusInternalServerError, "storage error", "event could not be stored", nil)
	default:
		d.logger().Error("ping failed", "err", err, "request_id", RequestIDFrom(r.Context()))
		WriteProblem(w, http.StatusInternalServerError, "internal error", "internal error", nil)
	}
}

func retryAfter(windowSeconds int) string {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return strconv.Itoa(windowSeconds)
}

// --- Stats ---

func (d *ServerDeps) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := d.Stats.Snapshot(r.Context())
	if err != nil {
		d.logger().Error("stats unavailable", "err", err)
		WriteProblem(w, http.StatusInternalServerError, "stats unavailable", "statistics could not be computed", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Stream ---

// sseWriter flushes through http.ResponseController so that wrapped
// response writers still reach the connection.
type sseWriter struct {
	io.Writer
	rc *http.ResponseController
}

func (s sseWriter) Flush() error { return s.rc.Flush() }

func (d *ServerDeps) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rc := http.NewResponseController(w)
	// The session bounds its own lifetime; lift the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	if d.streams != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(d.streams, cancel)
		defer stop()
	}

	cursor := stream.ParseCursor(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("lastId"))
	if err := d.Stream.Serve(ctx, sseWriter{Writer: w, rc: rc}, cursor); err != nil {
		d.logger().Warn("stream ended with error", "err", err, "request_id", RequestIDFrom(r.Context()))
	}
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", d.HandleHealth)
	mux.HandleFunc("/v1/ready", d.HandleReady)
	mux.HandleFunc("/v1/stats", d.HandleStats)
	mux.HandleFunc("/v1/stream", d.HandleStream)

	var ping http.Handler = http.HandlerFunc(d.HandlePing)
	ping = BodyLimit(d.Cfg.MaxBodyBytes)(ping)
	mux.Handle("/v1/ping", ping)

	var h http.Handler = mux
	h = CORS(d.Cfg.CORSOrigin)(h)
	h = AccessLog(d.logger().With("component", "http"))(h)
	h = RequestID(h)
	return h
}
