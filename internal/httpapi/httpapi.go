// Package httpapi exposes the pipeline coordinator over a thin net/http
// surface: voice and text interaction endpoints, a transcribe-only
// endpoint, a health probe, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RentaProfessor/blackbox-core/internal/pipeline"
	"github.com/RentaProfessor/blackbox-core/internal/thermal"
	"github.com/RentaProfessor/blackbox-core/internal/transport"
)

// Server wires the coordinator and its collaborators into a routable mux.
type Server struct {
	coordinator *pipeline.Coordinator
	transport   *transport.Transport
	thermal     *thermal.Monitor
	defaultUser string
	mux         *http.ServeMux
}

// New builds a Server and registers its routes.
func New(coordinator *pipeline.Coordinator, tr *transport.Transport, mon *thermal.Monitor, defaultUser string) *Server {
	s := &Server{coordinator: coordinator, transport: tr, thermal: mon, defaultUser: defaultUser, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /voice", s.handleVoice)
	s.mux.HandleFunc("POST /text", s.handleText)
	s.mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

type voiceRequest struct {
	AudioData string `json:"audio_data"` // base64
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type textRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type pipelineResponse struct {
	SessionID     string                  `json:"session_id"`
	Transcription string                  `json:"transcription"`
	ResponseText  string                  `json:"response_text"`
	AudioData     string                  `json:"audio_data,omitempty"`
	FunctionCalls []pipeline.FunctionCall `json:"function_calls,omitempty"`
	Timing        pipeline.Timing         `json:"timing"`
	Throttled     bool                    `json:"throttled"`
	Error         string                  `json:"error,omitempty"`
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	audio, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 audio_data")
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = s.defaultUser
	}

	result := s.coordinator.ProcessVoice(r.Context(), audio, userID, req.SessionID)
	writePipelineResult(w, result)
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = s.defaultUser
	}

	result := s.coordinator.ProcessText(r.Context(), req.Text, userID, req.SessionID)
	writePipelineResult(w, result)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 audio_data")
		return
	}

	result, timing, err := s.coordinator.TranscribeOnly(r.Context(), audio)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "timing": timing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       result.Text,
		"confidence": result.Confidence,
		"language":   result.Language,
		"timing":     timing,
	})
}

// handleHealthz reports status "ok" when every worker responds, "degraded" otherwise.
// The probe itself always returns 200: a degraded-but-alive process must
// not be pulled from rotation by a naive liveness check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := map[string]bool{
		"asr": s.transport.HealthCheck(ctx, transport.ServiceASR),
		"llm": s.transport.HealthCheck(ctx, transport.ServiceLLM),
		"tts": s.transport.HealthCheck(ctx, transport.ServiceTTS),
	}

	status := "ok"
	for _, up := range services {
		if !up {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"services":     services,
		"thermal":      s.thermal.State(),
		"throttling":   s.thermal.ShouldThrottle(),
	})
}

func writePipelineResult(w http.ResponseWriter, result pipeline.PipelineResult) {
	resp := pipelineResponse{
		SessionID:     result.SessionID,
		Transcription: result.Transcription,
		ResponseText:  result.ResponseText,
		FunctionCalls: result.FunctionCalls,
		Timing:        result.Timing,
		Throttled:     result.Throttled,
	}
	if result.AudioData != nil {
		resp.AudioData = base64.StdEncoding.EncodeToString(result.AudioData)
	}

	status := http.StatusOK
	if result.Err != nil {
		resp.Error = result.Err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("httpapi: failed to encode response", "error", err)
	}
}
