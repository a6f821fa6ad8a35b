package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loanflow/internal/codec"
	"loanflow/internal/logstream"
	"loanflow/internal/usecase"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
)

type Handlers struct {
	submitLoanUC    *usecase.SubmitLoan
	getDecisionUC   *usecase.GetDecision
	watchDecisionUC *usecase.WatchDecision
	logger          *slog.Logger
}

// NewHandlers wires the HTTP handlers. getDecisionUC and watchDecisionUC may
// be nil when notifications are disabled; their routes then answer 503.
func NewHandlers(submitLoanUC *usecase.SubmitLoan, getDecisionUC *usecase.GetDecision, watchDecisionUC *usecase.WatchDecision, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		submitLoanUC:    submitLoanUC,
		getDecisionUC:   getDecisionUC,
		watchDecisionUC: watchDecisionUC,
		logger:          logger,
	}
}

// SubmitLoan accepts a JSON body or a form with amount, income, term and an
// optional id.
func (h *Handlers) SubmitLoan(w http.ResponseWriter, r *http.Request) {
	params, err := readApplication(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.submitLoanUC.Execute(r.Context(), params)
	switch {
	case err == nil:
	case errors.Is(err, codec.ErrEncoding):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, logstream.ErrWriteRejected):
		h.logger.Error("failed to submit loan", "error", err)
		writeError(w, http.StatusServiceUnavailable, "submission log unavailable")
		return
	default:
		h.logger.Error("failed to submit loan", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("loan submitted", "id", sub.ID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":           sub.ID,
		"status":       "submitted",
		"submitted_at": sub.SubmittedAt.Format(time.RFC3339Nano),
	})
}

func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	if h.getDecisionUC == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing loan id")
		return
	}

	d, err := h.getDecisionUC.Execute(r.Context(), id)
	if errors.Is(err, usecase.ErrDecisionNotFound) {
		writeError(w, http.StatusNotFound, "no decision yet")
		return
	}
	if err != nil {
		h.logger.Error("failed to get decision", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload, err := codec.EncodeDecision(d)
	if err != nil {
		h.logger.Error("failed to encode decision", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(payload)
}

// Events streams the decisions of one loan as server-sent events.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	if h.watchDecisionUC == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")

	ctx := r.Context()
	decisions, err := h.watchDecisionUC.Execute(ctx, id)
	if err != nil {
		h.logger.Error("failed to watch decision", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "notification channel unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case d, ok := <-decisions:
			if !ok {
				return
			}
			payload, err := codec.EncodeDecision(d)
			if err != nil {
				h.logger.Warn("skipping decision event", "id", id, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func readApplication(w http.ResponseWriter, r *http.Request) (usecase.SubmitLoanParams, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		return readForm(r)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return usecase.SubmitLoanParams{}, fmt.Errorf("invalid request body: %w", err)
	}
	s, err := codec.DecodeApplication(body)
	if err != nil {
		return usecase.SubmitLoanParams{}, err
	}
	return usecase.SubmitLoanParams{ID: s.ID, Amount: s.Amount, Income: s.Income, Term: s.Term}, nil
}

func readForm(r *http.Request) (usecase.SubmitLoanParams, error) {
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return usecase.SubmitLoanParams{}, fmt.Errorf("invalid form: %w", err)
	}

	params := usecase.SubmitLoanParams{ID: r.PostFormValue("id")}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"amount", &params.Amount},
		{"income", &params.Income},
		{"term", &params.Term},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(r.PostFormValue(f.name))
		if raw == "" {
			return usecase.SubmitLoanParams{}, fmt.Errorf("missing required field %q", f.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return usecase.SubmitLoanParams{}, fmt.Errorf("field %q is not a number", f.name)
		}
		*f.dst = v
	}
	return params, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
