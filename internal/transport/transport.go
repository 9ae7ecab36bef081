// Package transport implements the synchronous request/response channel
// between the pipeline coordinator and the three out-of-process inference
// workers (ASR, LLM, TTS), backed by a pair of shared-memory-mapped files
// per service.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/RentaProfessor/blackbox-core/internal/metrics"
)

// Services recognized by the transport.
const (
	ServiceASR = "asr"
	ServiceLLM = "llm"
	ServiceTTS = "tts"
)

var services = []string{ServiceASR, ServiceLLM, ServiceTTS}

// Config controls where the shared-memory files live and how aggressively
// the transport polls for a response.
type Config struct {
	Dir          string // e.g. /dev/shm
	Prefix       string // e.g. blackbox -> blackbox_asr_in, blackbox_asr_out, ...
	PollInterval time.Duration
}

// WorkerError is returned when a worker responds with a structured error
// string instead of a result object.
type WorkerError struct {
	Service string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Service, e.Message)
}

// TimeoutError is returned when a stage deadline expires before a matching
// response is observed.
type TimeoutError struct {
	Service string
	Method  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s.%s timed out", e.Service, e.Method)
}

type paths struct {
	in  string
	out string
}

// Transport owns the shared-memory files for all three services and
// enforces single-outstanding-request-per-service via a per-service mutex.
type Transport struct {
	cfg   Config
	paths map[string]paths

	requestID atomic.Uint64
	locks     map[string]*sync.Mutex
}

// New constructs a Transport without touching the filesystem; call
// Initialize before the first Call.
func New(cfg Config) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	t := &Transport{
		cfg:   cfg,
		paths: make(map[string]paths, len(services)),
		locks: make(map[string]*sync.Mutex, len(services)),
	}
	for _, svc := range services {
		t.paths[svc] = paths{
			in:  filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s_in", cfg.Prefix, svc)),
			out: filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s_out", cfg.Prefix, svc)),
		}
		t.locks[svc] = &sync.Mutex{}
	}
	return t
}

// Initialize ensures the shared-memory directory exists and creates (or
// truncates) each of the six files. It is idempotent: calling it twice
// leaves every file empty and does not reset the request-id counter.
func (t *Transport) Initialize() error {
	if err := os.MkdirAll(t.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("transport: create shm dir: %w", err)
	}
	for svc, p := range t.paths {
		for _, path := range []string{p.in, p.out} {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return fmt.Errorf("transport: init %s %s: %w", svc, path, err)
			}
		}
	}
	return nil
}

// Shutdown removes all six shared-memory files on a best-effort basis;
// errors are logged, never returned.
func (t *Transport) Shutdown() {
	for svc, p := range t.paths {
		for _, path := range []string{p.in, p.out} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("transport shutdown: remove failed", "service", svc, "path", path, "error", err)
			}
		}
	}
}

type request struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Data   map[string]any `json:"data"`
}

// Call issues a request to service.method carrying data, and blocks until a
// matching response arrives or ctx's deadline expires. At most one call per
// service may be in flight at a time; concurrent callers serialize on a
// per-service mutex.
func (t *Transport) Call(ctx context.Context, service, method string, data map[string]any) (map[string]any, error) {
	p, ok := t.paths[service]
	if !ok {
		return nil, fmt.Errorf("transport: unknown service %q", service)
	}

	lock := t.locks[service]
	lock.Lock()
	defer lock.Unlock()

	id := t.requestID.Add(1)
	req := request{ID: id, Method: method, Data: data}

	start := time.Now()
	if err := t.writeRequest(p.in, req); err != nil {
		metrics.TransportErrors.WithLabelValues(service, "write").Inc()
		return nil, fmt.Errorf("transport: write request to %s: %w", service, err)
	}

	result, err := t.waitForResponse(ctx, service, p.out, id)
	metrics.TransportCallDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	if err != nil {
		if terr, ok := err.(*TimeoutError); ok {
			terr.Method = method
		}
		return nil, err
	}
	return result, nil
}

func (t *Transport) writeRequest(path string, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}

// waitForResponse polls path at the configured interval. On each tick it
// peeks the "id" field with gjson before paying for a full unmarshal, since
// most ticks observe an empty or partially-written file.
func (t *Transport) waitForResponse(ctx context.Context, service, path string, wantID uint64) (map[string]any, error) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.TransportErrors.WithLabelValues(service, "timeout").Inc()
			return nil, &TimeoutError{Service: service}
		case <-ticker.C:
			result, matched, err := t.tryReadResponse(path, wantID)
			if err != nil {
				continue // partial write; retry without error
			}
			if !matched {
				continue
			}
			if result.errMsg != "" {
				return nil, &WorkerError{Service: service, Message: result.errMsg}
			}
			return result.data, nil
		}
	}
}

type parsedResponse struct {
	data   map[string]any
	errMsg string
}

func (t *Transport) tryReadResponse(path string, wantID uint64) (parsedResponse, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return parsedResponse{}, false, nil
	}
	if !gjson.ValidBytes(raw) {
		return parsedResponse{}, false, fmt.Errorf("partial write")
	}

	idResult := gjson.GetBytes(raw, "id")
	if !idResult.Exists() || idResult.Uint() != wantID {
		return parsedResponse{}, false, nil
	}

	var envelope struct {
		ID     uint64         `json:"id"`
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return parsedResponse{}, false, err
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		slog.Warn("transport: clear response file failed", "path", path, "error", err)
	}

	return parsedResponse{data: envelope.Result, errMsg: envelope.Error}, true, nil
}

// HealthCheck issues a lightweight "health" call with a short deadline.
func (t *Transport) HealthCheck(ctx context.Context, service string) bool {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result, err := t.Call(cctx, service, "health", map[string]any{})
	if err != nil {
		return false
	}
	status, _ := result["status"].(string)
	return status == "ok"
}
