package httpapi

import (
	"context"
	"net/http"

	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
)

type chatRequest struct {
	ChatMessages []model.ChatMessage `json:"chat_messages"`
	Delta        *int                `json:"delta"`
	Limit        *int                `json:"limit"`
}

// decodeChat reads a chatRequest and checks chat_messages plus the named numeric fields
func decodeChat(w http.ResponseWriter, r *http.Request, requireDelta, requireLimit bool) (*chatRequest, bool) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.ChatMessages == nil {
		respondBadRequest(w, "missing required field: chat_messages")
		return nil, false
	}
	if requireDelta && req.Delta == nil {
		respondBadRequest(w, "missing required field: delta")
		return nil, false
	}
	if requireLimit && req.Limit == nil {
		respondBadRequest(w, "missing required field: limit")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleFullUpdate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r, true, false)
	if !ok {
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.FullUpdate(ctx, req.ChatMessages, *req.Delta)
	})
}

func (s *Server) handleUpdateExistingMemories(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r, false, false)
	if !ok {
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.UpdateExistingMemories(ctx, req.ChatMessages)
	})
}

func (s *Server) handleExtractNewMemories(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r, false, false)
	if !ok {
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.ExtractNewMemories(ctx, req.ChatMessages)
	})
}

func (s *Server) handleUpdateRelevance(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r, true, false)
	if !ok {
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.UpdateRelevance(ctx, req.ChatMessages, *req.Delta)
	})
}

func (s *Server) handleUpdateVisible(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r, false, true)
	if !ok {
		return
	}
	delta := 1
	if req.Delta != nil {
		delta = *req.Delta
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.UpdateVisible(ctx, req.ChatMessages, *req.Limit, delta)
	})
}

func (s *Server) handleRefreshVisible(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit *int `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Limit == nil {
		respondBadRequest(w, "missing required field: limit")
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.RefreshVisible(ctx, *req.Limit)
	})
}

func (s *Server) handleForceUpdateRelevance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeltaMap model.RelevanceMap `json:"delta_map"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.DeltaMap == nil {
		respondBadRequest(w, "missing required field: delta_map")
		return
	}
	s.apply(w, r, func(ctx context.Context, m *memory.Manager) (*memory.Manager, error) {
		return m.ForceUpdateRelevance(req.DeltaMap), nil
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []model.ChatMessage `json:"messages"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondBadRequest(w, "messages must be a non-empty list")
		return
	}

	text, err := s.session.Current().Generate(r.Context(), req.Messages)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"response": text})
}
