package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
)

type addMemoryRequest struct {
	Name        *string `json:"name"`
	Abstract    *string `json:"abstract"`
	MemoryBlock *string `json:"memory_block"`
}

type updateMemoryRequest struct {
	Abstract    *string `json:"abstract"`
	MemoryBlock *string `json:"memory_block"`
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	abstracts, err := s.session.Current().Repository().FetchAllAbstracts(r.Context())
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	if abstracts == nil {
		abstracts = []model.MemoryAbstract{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"memories": abstracts})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := s.session.Current().Repository().FetchByName(r.Context(), name)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	if m == nil {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "memory '" + name + "' not found"})
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == nil || req.Abstract == nil || req.MemoryBlock == nil {
		respondBadRequest(w, "missing required fields: name, abstract, memory_block")
		return
	}

	m := model.Memory{Name: *req.Name, Abstract: *req.Abstract, MemoryBlock: *req.MemoryBlock}
	if err := m.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}

	next, err := s.session.Apply(r.Context(), func(ctx context.Context, mgr *memory.Manager) (*memory.Manager, error) {
		return mgr.ForceAdd(ctx, m)
	})
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusCreated, newStateResponse(next))
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Abstract == nil || req.MemoryBlock == nil {
		respondBadRequest(w, "missing required fields: abstract, memory_block")
		return
	}

	m := model.Memory{Name: chi.URLParam(r, "name"), Abstract: *req.Abstract, MemoryBlock: *req.MemoryBlock}
	s.apply(w, r, func(ctx context.Context, mgr *memory.Manager) (*memory.Manager, error) {
		return mgr.ForceUpdate(ctx, m)
	})
}

func (s *Server) handleRemoveMemory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.apply(w, r, func(ctx context.Context, mgr *memory.Manager) (*memory.Manager, error) {
		return mgr.ForceRemove(ctx, name)
	})
}
