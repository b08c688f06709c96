package app

import (
	"net/http"
	"time"

	"github.com/putto11262002/fitchat/core"
	"github.com/putto11262002/fitchat/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
}

func NewAuthHandler(store core.AuthStore) *AuthHandler {
	return &AuthHandler{store: store}
}

type SigninPayload struct {
	Code string `json:"code" validate:"required"`
	PIN  string `json:"pin" validate:"required"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input").WithReason("validation_failed")
	}

	session, err := h.store.NewSession(r.Context(), payload.Code, payload.PIN)
	if err != nil {
		return err
	}

	http.SetCookie(w, core.CookieFromSession(*session, true, "/"))
	return router.WriteJSON(w, http.StatusOK, session)
}

func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := h.store.DestroySession(r.Context(), session); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
	return nil
}
