// Package api implements the submission API's HTTP surface: submit,
// status, status streaming over a websocket, and the language catalog.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/noisefs-labs/codeexec/pkg/cache"
	"github.com/noisefs-labs/codeexec/pkg/fingerprint"
	"github.com/noisefs-labs/codeexec/pkg/logging"
	"github.com/noisefs-labs/codeexec/pkg/queue"
	"github.com/noisefs-labs/codeexec/pkg/ratelimit"
	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/store"
)

var jobIDPattern = regexp.MustCompile(`^(job_|cached_)[A-Za-z0-9._]+$`)

const maxCodeBytes = 65536

// Server bundles the collaborators the HTTP handlers need.
type Server struct {
	registry  *registry.Registry
	queue     *queue.Queue
	store     *store.Store
	cache     *cache.Cache
	limiter   *ratelimit.RateLimiter
	log       *logging.Logger
	upgrader  websocket.Upgrader
}

// New constructs a Server.
func New(
	reg *registry.Registry,
	q *queue.Queue,
	s *store.Store,
	c *cache.Cache,
	limiter *ratelimit.RateLimiter,
	log *logging.Logger,
) *Server {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Server{
		registry: reg,
		queue:    q,
		store:    s,
		cache:    c,
		limiter:  limiter,
		log:      log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gorilla/mux router serving this API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/languages", s.handleLanguages).Methods(http.MethodGet, http.MethodOptions)
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIResponse is the common JSON envelope for every handler.
type APIResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Errorf("api: encode response: %v", err)
	}
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, APIResponse{Success: false, Error: message})
}

type executeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !s.registry.Has(req.Language) {
		sendError(w, http.StatusBadRequest, "unknown language: "+req.Language)
		return
	}
	if len(req.Code) == 0 || len(req.Code) > maxCodeBytes {
		sendError(w, http.StatusBadRequest, "code must be between 1 and 65536 bytes")
		return
	}

	ctx := r.Context()
	addrSum := sha256.Sum256([]byte(ratelimit.ClientFingerprint(r)))
	clientFP := hex.EncodeToString(addrSum[:])

	if err := s.limiter.CheckAndIncrement(ctx, clientFP); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		s.log.Errorf("ratelimit: %v", err)
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}

	contentFP := fingerprint.Of(req.Language, req.Code)

	if result, hit, err := s.cache.Get(ctx, contentFP); err != nil {
		s.log.Errorf("cache lookup: %v", err)
	} else if hit {
		if !s.limiter.ShouldChargeCacheHit() {
			if err := s.limiter.Uncharge(ctx, clientFP); err != nil {
				s.log.Errorf("ratelimit uncharge: %v", err)
			}
		}
		sendJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Data: map[string]interface{}{
				"job_id": "cached_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				"status": string(store.Completed),
				"cached": true,
				"result": result,
			},
		})
		return
	}

	jobID := "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.store.SetPending(ctx, jobID); err != nil {
		sendError(w, http.StatusInternalServerError, "failed to record job")
		return
	}
	job := queue.Job{
		ID:          jobID,
		Language:    req.Language,
		Code:        req.Code,
		SubmittedAt: time.Now().UTC(),
		Fingerprint: clientFP,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		sendError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"job_id": jobID,
			"status": "queued",
			"cached": false,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if !jobIDPattern.MatchString(jobID) {
		sendError(w, http.StatusBadRequest, "malformed job_id")
		return
	}

	rec, result, err := s.store.Lookup(r.Context(), jobID)
	if err == store.ErrNotFound {
		sendError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if result != nil {
		sendJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Data: map[string]interface{}{
				"job_id": jobID,
				"status": string(store.Completed),
				"result": result,
			},
		})
		return
	}

	sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"job_id":     jobID,
			"status":     string(rec.Status),
			"created_at": rec.CreatedAt,
		},
	})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"languages": s.registry.PublicView(),
			"rate_limit": map[string]interface{}{
				"max":                s.limiter.MaxRequests(),
				"window_seconds":     int(s.limiter.Window().Seconds()),
				"charges_cache_hits": s.limiter.ShouldChargeCacheHit(),
			},
		},
	})
}

// handleStatusStream upgrades to a websocket and polls the job's status
// until it reaches a terminal state, pushing each observed transition. This
// is a supplemental push-based alternative to polling handleStatus; it does
// not replace it.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if !jobIDPattern.MatchString(jobID) {
		http.Error(w, "malformed job_id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastStatus store.Status
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			rec, result, err := s.store.Lookup(r.Context(), jobID)
			status := rec.Status
			if err == store.ErrNotFound {
				status = store.Absent
			} else if err != nil {
				s.log.Errorf("status stream lookup: %v", err)
				continue
			}

			if status == lastStatus {
				continue
			}
			lastStatus = status

			payload := map[string]interface{}{"status": string(status)}
			if result != nil {
				payload["result"] = result
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
			if status == store.Completed || status == store.Absent {
				return
			}
		}
	}
}
