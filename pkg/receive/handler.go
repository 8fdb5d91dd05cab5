// Package receive implements the agent-facing HTTP surface: batch posts and
// the status endpoint. Posted batches are validated and spooled; the agent
// owns retry, so the handler never queues in process.
package receive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pattoo-project/pattood/pkg/spool"
)

// StatusContent is returned by GET /status.
const StatusContent = "The Pattood Agent API is operational.\n"

// TimestampKey is the top-level batch key carrying the agent-reported
// millisecond timestamp.
const TimestampKey = "pattoo_agent_timestamp"

// cacheKeys is the exact top-level key set a posted batch must carry.
var cacheKeys = []string{
	TimestampKey,
	"pattoo_agent_id",
	"pattoo_agent_program",
	"pattoo_agent_hostname",
	"pattoo_agent_polling_interval",
	"pattoo_agent_polled_target",
	"pattoo_datapoints",
}

// maxBodyBytes caps a single posted batch.
const maxBodyBytes = 32 << 20

// Handler validates posted batches and spools them.
type Handler struct {
	spool *spool.Spool
	log   *zap.SugaredLogger
}

// NewHandler creates a receive handler writing to the given spool.
func NewHandler(sp *spool.Spool, log *zap.SugaredLogger) *Handler {
	return &Handler{spool: sp, log: log}
}

// Register attaches the receiver routes to a router (normally a subrouter
// under the API prefix).
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/receive/{source}", h.HandleReceive).Methods("POST")
	router.HandleFunc("/status", h.HandleStatus).Methods("GET")
}

// HandleReceive accepts one posted batch. Contract: a valid batch is
// fsync'd to the spool before the 200 goes out; any validation or IO
// failure is a 404 with a warning logged and no file left behind.
func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if source == "" {
		h.reject(w, r, "missing source path parameter")
		return
	}

	body, err := readBody(r)
	if err != nil {
		h.reject(w, r, err.Error())
		return
	}

	timestamp, err := ValidatePost(body)
	if err != nil {
		h.reject(w, r, err.Error())
		return
	}

	name, err := h.spool.Write(source, timestamp, body)
	if err != nil {
		h.reject(w, r, fmt.Sprintf("spooling batch: %v", err))
		return
	}

	h.log.Debugw("Batch spooled", "source", source, "file", name, "bytes", len(body))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleStatus reports that the API is up.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(StatusContent))
}

// ValidatePost checks a posted body: it must be a JSON object whose
// top-level key set equals the expected cache keys, and the agent timestamp
// must extract as a positive integer. Returns the extracted timestamp.
func ValidatePost(body []byte) (int64, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return 0, fmt.Errorf("body is not a JSON object: %w", err)
	}
	if len(top) != len(cacheKeys) {
		return 0, fmt.Errorf("expected %d top-level keys, got %d", len(cacheKeys), len(top))
	}
	for _, key := range cacheKeys {
		if _, ok := top[key]; !ok {
			return 0, fmt.Errorf("missing top-level key %q", key)
		}
	}

	var timestamp int64
	if err := json.Unmarshal(top[TimestampKey], &timestamp); err != nil {
		return 0, fmt.Errorf("extracting %s: %w", TimestampKey, err)
	}
	if timestamp <= 0 {
		return 0, fmt.Errorf("non-positive %s %d", TimestampKey, timestamp)
	}
	return timestamp, nil
}

// reject logs a warning and answers 404. The source kept 404 (not 400) for
// every rejected post; agents treat any non-200 as "keep the batch and
// retry later".
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, reason string) {
	h.log.Warnw("Rejecting posted batch", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", reason)
	http.Error(w, "Not Found", http.StatusNotFound)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return body, nil
}
