// Package admin serves a read-only JSON view of the ledger and the service
// heartbeat. It is optional and runs on its own listener.
package admin

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/imgcatch/ledger"
	"github.com/hazyhaar/imgcatch/observability"
	"github.com/hazyhaar/imgcatch/shield"
)

// WorkerName is the heartbeat worker name of the capture service.
const WorkerName = "imgcatch"

// Staleness threshold = 3x the 15s heartbeat interval.
const staleAfter = 45 * time.Second

// Outcomes reported by /health, mirroring the capture package.
var outcomes = []string{"processed", "malformed", "transport_error"}

// Router returns the admin routes. obsDB may be nil when metrics are
// disabled; the heartbeat is then omitted from /health. A nil logger means
// slog.Default().
func Router(l *ledger.Ledger, obsDB *sql.DB, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.AdminStack(logger) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}

		total, err := l.CountCaptures(r.Context(), "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["captures_total"] = total
		for _, o := range outcomes {
			n, err := l.CountCaptures(r.Context(), o)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			resp["captures_"+o] = n
		}

		if obsDB != nil {
			hb, err := observability.LatestHeartbeat(r.Context(), obsDB, WorkerName, staleAfter)
			if err == nil && hb != nil {
				resp["heartbeat"] = hb
				if !hb.Alive {
					resp["status"] = "degraded"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Route("/v1/captures", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := l.ListCaptures(r.Context(), queryInt(r, "limit", 50))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if list == nil {
				list = []*ledger.Capture{}
			}
			writeJSON(w, http.StatusOK, list)
		})

		r.Get("/{connID}", func(w http.ResponseWriter, r *http.Request) {
			c, err := l.GetCapture(r.Context(), chi.URLParam(r, "connID"))
			if err != nil {
				shield.GetLogger(r.Context()).Error("get capture", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if c == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
				return
			}
			writeJSON(w, http.StatusOK, c)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
