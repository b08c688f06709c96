package app

import (
	"net/http"

	"github.com/putto11262002/fitchat/core"
	"github.com/putto11262002/fitchat/pkg/router"
)

type ParticipantHandler struct {
	store core.IdentityStore
}

func NewParticipantHandler(store core.IdentityStore) *ParticipantHandler {
	return &ParticipantHandler{store: store}
}

func (h *ParticipantHandler) RegisterParticipantHandler(w http.ResponseWriter, r *http.Request) error {
	var input core.ParticipantCreateInput
	if err := router.DecodeJSON(r, &input); err != nil {
		return err
	}

	identity, err := h.store.CreateParticipant(r.Context(), input)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, identity)
}

func (h *ParticipantHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) error {
	var group core.Group
	if err := router.DecodeJSON(r, &group); err != nil {
		return err
	}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		return err
	}
	created, err := h.store.ResolveGroup(r.Context(), group.Code)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, created)
}

func (h *ParticipantHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	identity, err := h.store.Resolve(r.Context(), session.Code)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, identity)
}

func (h *ParticipantHandler) GetParticipantHandler(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.store.Resolve(r.Context(), r.PathValue("code"))
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, identity)
}
