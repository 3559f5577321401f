package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/transport"
	"github.com/scratcha/scratcha/internal/validation"
)

type TokenValidator interface {
	ValidateClientToken(ctx context.Context, token string) (string, error)
	CheckRateLimit(ctx context.Context, key string) bool
}

type ChunkAssembler interface {
	Add(ctx context.Context, problemID string, req transport.ChunkRequest) (session.Progress, error)
	Requeue(ctx context.Context, p session.Progress) error
}

type Enricher interface {
	Enrich(userAgent, clientIP string) session.ClientInfo
}

type Publisher interface {
	PublishSession(ctx context.Context, rec *session.Record) error
}

type HTTPHandler struct {
	validator TokenValidator
	assembler ChunkAssembler
	enricher  Enricher
	publisher Publisher
	limits    config.AssemblyConfig
}

func NewHTTPHandler(v TokenValidator, a ChunkAssembler, e Enricher, p Publisher, limits config.AssemblyConfig) *HTTPHandler {
	return &HTTPHandler{
		validator: v,
		assembler: a,
		enricher:  e,
		publisher: p,
		limits:    limits,
	}
}

type ChunkResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ChunkIndex  int    `json:"chunk_index"`
	Received    int    `json:"received,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Complete    bool   `json:"complete"`
	SessionID   string `json:"session_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, chunkIndex int, message string) {
	writeJSON(w, status, ChunkResponse{
		Success:    false,
		Message:    message,
		ChunkIndex: chunkIndex,
	})
}

// HandleChunk accepts one telemetry chunk. The last missing chunk of a
// transfer triggers assembly and publication of the session.
func (h *HTTPHandler) HandleChunk(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	// Read body
	reader := io.Reader(r.Body)
	if h.limits.MaxChunkBytes > 0 {
		reader = io.LimitReader(r.Body, h.limits.MaxChunkBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		fail(w, http.StatusBadRequest, 0, "Failed to read body")
		return
	}

	// Parse request
	var req transport.ChunkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		fail(w, http.StatusBadRequest, 0, "Invalid JSON")
		return
	}

	if err := validation.ValidateChunk(&req, int64(len(body)), h.limits); err != nil {
		status := http.StatusBadRequest
		var cerr *validation.ChunkError
		if errors.As(err, &cerr) && cerr.Field == "body" {
			status = http.StatusRequestEntityTooLarge
		}
		fail(w, status, req.ChunkIndex, err.Error())
		return
	}

	// Validate client token
	problemID, err := h.validator.ValidateClientToken(r.Context(), req.ClientToken)
	if err != nil {
		fail(w, http.StatusUnauthorized, req.ChunkIndex, "Invalid client token")
		return
	}

	// Rate limiting
	if !h.validator.CheckRateLimit(r.Context(), problemID) {
		fail(w, http.StatusTooManyRequests, req.ChunkIndex, "Rate limit exceeded")
		return
	}

	progress, err := h.assembler.Add(r.Context(), problemID, req)
	if err != nil {
		log.Error().Err(err).Int("chunk_index", req.ChunkIndex).Int("total_chunks", req.TotalChunks).Msg("Failed to store chunk")
		fail(w, http.StatusInternalServerError, req.ChunkIndex, "Failed to store chunk")
		return
	}

	resp := ChunkResponse{
		Success:     true,
		Message:     "Chunk received",
		ChunkIndex:  req.ChunkIndex,
		Received:    progress.Received,
		TotalChunks: progress.Total,
	}

	if progress.Complete() {
		rec := progress.Record
		rec.Client = h.enricher.Enrich(r.UserAgent(), r.RemoteAddr)

		// Produce to Kafka sessions topic
		if err := h.publisher.PublishSession(r.Context(), rec); err != nil {
			log.Error().Err(err).Str("session_id", rec.ID).Msg("Failed to publish session")
			// Keep the chunks so a retransmit can complete the session later.
			if err := h.assembler.Requeue(context.WithoutCancel(r.Context()), progress); err != nil {
				log.Error().Err(err).Str("session_id", rec.ID).Msg("Failed to requeue chunks")
			}
			fail(w, http.StatusInternalServerError, req.ChunkIndex, "Failed to publish session")
			return
		}

		log.Info().
			Str("session_id", rec.ID).
			Str("problem_id", rec.ProblemID).
			Int("events", len(rec.Events)).
			Dur("assembly", time.Since(rec.FirstChunkAt)).
			Msg("Session published")

		resp.Complete = true
		resp.SessionID = rec.ID
		resp.Message = "Session complete"
	}

	writeJSON(w, http.StatusOK, resp)
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CORSMiddleware allows browser widgets on the given origins to post chunks.
// A "*" entry allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", "X-Api-Key", "X-Client-Token",
			}, ", "))

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
