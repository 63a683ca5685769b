package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dawsonblock/dsrouter/internal/classify"
	"github.com/dawsonblock/dsrouter/internal/pipeline"
)

// statusClientClosedRequest mirrors the nginx convention for a client that
// cancelled before the response was written.
const statusClientClosedRequest = 499

// ChatRequest is the JSON body for POST /v1/chat.
type ChatRequest struct {
	Prompt string `json:"prompt"`
	Flags  struct {
		GroundingRequired bool `json:"grounding_required,omitempty"`
		Stream            bool `json:"stream,omitempty"`
	} `json:"flags,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	SupportScore float64 `json:"support_score,omitempty"`
	DeadlineMs   int     `json:"deadline_ms,omitempty"`
}

func (cr ChatRequest) toPipeline() pipeline.Request {
	return pipeline.Request{
		Prompt:       cr.Prompt,
		SessionID:    cr.SessionID,
		SupportScore: cr.SupportScore,
		DeadlineMs:   cr.DeadlineMs,
		Flags: classify.Flags{
			GroundingRequired: cr.Flags.GroundingRequired,
			Stream:            cr.Flags.Stream,
		},
	}
}

// ChatHandler serves the chat operation on both transports: unary JSON, or an
// SSE frame stream when flags.stream is true.
func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, CodeValidation, "bad json", http.StatusBadRequest)
			return
		}
		if req.DeadlineMs < 0 {
			jsonError(w, CodeValidation, "deadline_ms must be >= 0", http.StatusBadRequest)
			return
		}
		if req.SupportScore < 0 || req.SupportScore > 1 {
			jsonError(w, CodeValidation, "support_score must be in [0,1]", http.StatusBadRequest)
			return
		}

		if req.Flags.Stream {
			serveStream(d, w, r, req)
			return
		}

		resp, err := d.Orchestrator.Handle(r.Context(), req.toPipeline())
		if err != nil {
			if errors.Is(err, pipeline.ErrEmptyPrompt) {
				jsonError(w, CodeValidation, err.Error(), http.StatusBadRequest)
				return
			}
			slog.Error("chat_handler_failed", slog.String("error", err.Error()))
			jsonError(w, CodeInternal, "internal error", http.StatusInternalServerError)
			return
		}

		switch resp.Code {
		case pipeline.CodeBudgetExhausted:
			jsonError(w, resp.Code, resp.Text, http.StatusTooManyRequests)
		case pipeline.CodeAllUnavailable:
			w.Header().Set("Retry-After", "30")
			jsonError(w, resp.Code, resp.Text, http.StatusServiceUnavailable)
		case pipeline.CodeCancelled:
			jsonError(w, resp.Code, "request cancelled", statusClientClosedRequest)
		default:
			// Guard blocks are terminal outcomes, not failures: the canned
			// refusal is served in the normal response shape.
			writeJSON(w, resp)
		}
	}
}

// serveStream runs the streaming transport. Frame ordering is owned by the
// orchestrator; this adapter only turns frames into SSE events.
func serveStream(d Dependencies, w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, CodeInternal, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fw := &sseFrameWriter{w: w, flusher: flusher}
	if err := d.Orchestrator.HandleStream(r.Context(), req.toPipeline(), fw); err != nil {
		// Headers are gone; the error has to travel as a frame.
		code := CodeInternal
		if errors.Is(err, pipeline.ErrEmptyPrompt) {
			code = CodeValidation
		}
		_ = fw.WriteFrame(pipeline.FrameError, pipeline.ErrorFrame{Code: code, Message: err.Error()})
	}
}

// sseFrameWriter adapts an http.ResponseWriter to the pipeline frame
// contract, flushing after every frame.
type sseFrameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseFrameWriter) WriteFrame(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StopHandler cancels an in-flight request by id. The cancelled request
// terminates its own stream with finish_reason=cancelled.
func StopHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			jsonError(w, CodeValidation, "request id required", http.StatusBadRequest)
			return
		}
		if !d.Orchestrator.Stop(id) {
			jsonError(w, CodeNotFound, "no active request with that id", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"status": "stopping", "id": id})
	}
}
