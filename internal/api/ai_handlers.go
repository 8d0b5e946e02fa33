package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/rs/zerolog/log"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/oracle"
	"aindrocode/internal/storage"
)

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (h *Handlers) decodeFix(w http.ResponseWriter, r *http.Request) (FixRequest, bool) {
	var req FixRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if req.Language == "" {
		req.Language = defaultLanguage
	}
	if h.Fixer == nil {
		writeFailure(w, r, oracle.ErrDisabled)
		return req, false
	}
	return req, true
}

func (h *Handlers) auditFix(r *http.Request, req FixRequest, res *fixloop.Result, err error) {
	if h.Audit == nil || res == nil {
		return
	}
	h.Audit.LogFix(storage.FromFixResult(res, req.Language, codeHash(req.Code), err, caller(r)))
}

// HandleFix runs the repair loop to completion and returns the whole history.
func (h *Handlers) HandleFix(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeFix(w, r)
	if !ok {
		return
	}

	res, err := h.Fixer.Run(r.Context(), req.toLoop(), nil)
	h.auditFix(r, req, res, err)

	if err != nil {
		status, body := classify(err, r)
		if res != nil {
			body.Fixes = res.History
			body.FixedCode = res.FixedCode
		}
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("request_id", body.RequestID).Msg("fix loop failed")
		}
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusOK, newFixResponse(res, nil))
}

// HandleFixStream runs the repair loop and reports each iteration as an SSE
// "iteration" event, then "done" or "error".
func (h *Handlers) HandleFixStream(w http.ResponseWriter, r *http.Request) {
	stream := newEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	req, ok := h.decodeFix(w, r)
	if !ok {
		return
	}

	logger := log.With().Str("request_id", RequestIDFromContext(r.Context())).Logger()
	res, err := h.Fixer.Run(r.Context(), req.toLoop(), func(s fixloop.Step) {
		ev := FixStepEvent{Iteration: s.Iteration, Code: s.Code}
		if s.Execution != nil {
			ev.Stdout = s.Execution.Stdout
			ev.Stderr = s.Execution.Stderr
			ev.TimedOut = s.Execution.TimedOut
		}
		if err := stream.Send("iteration", ev); err != nil {
			logger.Warn().Err(err).Msg("client stopped reading fix stream")
		}
	})
	h.auditFix(r, req, res, err)

	if err != nil && res == nil && !stream.Started() {
		writeFailure(w, r, err)
		return
	}

	if err != nil {
		_, body := classify(err, r)
		if res != nil {
			body.Fixes = res.History
			body.FixedCode = res.FixedCode
		}
		if sendErr := stream.Send("error", body); sendErr != nil {
			logger.Warn().Err(sendErr).Msg("failed to send error event")
		}
		return
	}

	if sendErr := stream.Send("done", newFixResponse(res, nil)); sendErr != nil {
		logger.Warn().Err(sendErr).Msg("failed to send done event")
	}
}

func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	if h.Assistant == nil {
		writeFailure(w, r, oracle.ErrDisabled)
		return
	}

	code, usage, err := h.Assistant.Generate(r.Context(), oracle.GenerateRequest{
		Prompt:  req.Prompt,
		Context: req.Context,
		Model:   req.Model,
		APIKey:  req.APIKey,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{Success: true, Code: code, Usage: newUsage(usage)})
}

func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if h.Assistant == nil {
		writeFailure(w, r, oracle.ErrDisabled)
		return
	}

	reply, usage, err := h.Assistant.Chat(r.Context(), req.toOracle())
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{Success: true, Reply: reply, Usage: newUsage(usage)})
}
