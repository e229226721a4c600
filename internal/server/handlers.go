package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/prompts"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// StartBatchRequest starts a batch from a prompt list or from the content of
// a prompt file.
type StartBatchRequest struct {
	Prompts []string `json:"prompts" validate:"omitempty,max=500,dive,required,max=5000"`
	Text    string   `json:"text" validate:"required_without=Prompts,max=1048576"`
}

// StartBatchResponse is returned when a batch is accepted.
type StartBatchResponse struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

// CurrentBatchResponse is the engine status plus the last finished batch.
type CurrentBatchResponse struct {
	Status batch.Status       `json:"status"`
	Last   *batch.BatchResult `json:"last,omitempty"`
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Engine.Status()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
		"history": s.cfg.History != nil,
	})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req StartBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.errorResponse(w, validationError(err))
		return
	}

	list := req.Prompts
	if len(list) == 0 {
		f, err := prompts.Parse([]byte(req.Text))
		if err != nil {
			s.errorResponse(w, &ErrValidation{Field: "text", Message: err.Error()})
			return
		}
		list = f.Prompts
	}

	id, done, err := s.cfg.Engine.Start(s.ctx, batch.Jobs(list))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.logger.Info("batch accepted", zap.String("batch_id", id), zap.Int("prompts", len(list)))
	go s.finish(id, done)

	s.jsonResponse(w, http.StatusAccepted, StartBatchResponse{ID: id, Total: len(list)})
}

// finish waits for a batch started over the API, announces it on the stream
// and stores it.
func (s *Server) finish(id string, done <-chan *batch.BatchResult) {
	res := <-done
	if res == nil {
		return
	}
	s.hub.broadcast("complete", map[string]any{
		"id":           res.ID,
		"succeeded":    res.Succeeded,
		"failed":       res.Failed,
		"stopped":      res.Stopped,
		"success_rate": res.SuccessRate(),
		"files":        res.Files,
	})

	if s.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cfg.History.SaveBatchResult(ctx, res, s.cfg.Settings); err != nil {
		s.logger.Error("failed to save batch", zap.String("batch_id", id), zap.Error(err))
	}
}

func (s *Server) handleCurrentBatch(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, CurrentBatchResponse{
		Status: s.cfg.Engine.Status(),
		Last:   s.cfg.Engine.Last(),
	})
}

func (s *Server) handleStopBatch(w http.ResponseWriter, _ *http.Request) {
	if !s.cfg.Engine.Stop() {
		s.jsonResponse(w, http.StatusConflict, map[string]string{"error": "no batch is running"})
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.jsonResponse(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	msgs, unsubscribe := s.hub.subscribe(64)
	defer unsubscribe()

	if err := sse.WriteEvent("status", s.cfg.Engine.Status()); err != nil {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		case m := <-msgs:
			if err := sse.WriteEvent(m.event, m.data); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, ErrHistoryDisabled)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			s.errorResponse(w, &ErrValidation{Field: "limit", Message: "must be between 1 and 200"})
			return
		}
		limit = n
	}

	batches, err := s.cfg.History.ListBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list batches", zap.Error(err))
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"batches": batches, "count": len(batches)})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, ErrHistoryDisabled)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, &ErrValidation{Field: "id", Message: "invalid batch ID"})
		return
	}

	b, err := s.cfg.History.GetBatch(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if b == nil {
		s.errorResponse(w, &ErrNotFound{Resource: "batch", ID: id.String()})
		return
	}
	promptResults, err := s.cfg.History.ListPromptResults(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	downloads, err := s.cfg.History.ListDownloads(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"batch":     b,
		"prompts":   promptResults,
		"downloads": downloads,
	})
}

// validationError reports the first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ErrValidation{Field: fe.Field(), Message: "failed '" + fe.Tag() + "'"}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}
