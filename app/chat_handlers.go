package app

import (
	"net/http"
	"strconv"

	"github.com/putto11262002/fitchat/core"
	"github.com/putto11262002/fitchat/pkg/router"
)

// ChatHandler exposes the engine operations over REST. Writes go through the
// engine so connected clients see them live.
type ChatHandler struct {
	engine     *core.Engine
	identities core.IdentityLookup
}

func NewChatHandler(engine *core.Engine, identities core.IdentityLookup) *ChatHandler {
	return &ChatHandler{engine: engine, identities: identities}
}

type DirectRoomPayload struct {
	OtherCode string `json:"other_code" validate:"required"`
}

type SendMessagePayload struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id" validate:"omitempty,max=64"`
}

type ReactionPayload struct {
	Emoji string `json:"emoji" validate:"required,max=64"`
}

type MessagePage struct {
	Messages []core.Message `json:"messages"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// caller resolves the identity of the signed in participant.
func (h *ChatHandler) caller(r *http.Request) (*core.Identity, error) {
	session := core.SessionFromRequest(r)
	return h.identities.Resolve(r.Context(), session.Code)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (h *ChatHandler) GetMyRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	rooms, err := h.engine.ListRooms(r.Context(), *user, queryInt(r, "offset"), queryInt(r, "limit"))
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	return router.WriteJSON(w, http.StatusOK, rooms)
}

func (h *ChatHandler) OpenDirectRoomHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload DirectRoomPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input").WithReason("validation_failed")
	}
	room, err := h.engine.OpenDirect(r.Context(), *user, payload.OtherCode)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	q := core.PageQuery{Page: queryInt(r, "page"), PageSize: queryInt(r, "page_size")}.Normalize()
	messages, total, err := h.engine.History(r.Context(), *user, r.PathValue("roomKey"), q)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []core.Message{}
	}
	return router.WriteJSON(w, http.StatusOK, MessagePage{
		Messages: messages,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
}

func (h *ChatHandler) SearchMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	messages, err := h.engine.Search(r.Context(), *user, r.PathValue("roomKey"), r.URL.Query().Get("q"))
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []core.Message{}
	}
	return router.WriteJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload SendMessagePayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input").WithReason("validation_failed")
	}

	msg, err := h.engine.Send(r.Context(), *user, r.PathValue("roomKey"), payload.Content, payload.ClientID)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) ReadRoomHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	receipt, err := h.engine.Read(r.Context(), *user, r.PathValue("roomKey"))
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, receipt)
}

func (h *ChatHandler) ToggleReactionHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	var payload ReactionPayload
	if err := router.DecodeJSON(r, &payload); err != nil {
		return err
	}
	if err := validate.Struct(payload); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input").WithReason("validation_failed")
	}

	msg, err := h.engine.React(r.Context(), *user, r.PathValue("messageID"), payload.Emoji)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, msg)
}

func (h *ChatHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.caller(r)
	if err != nil {
		return err
	}
	msg, err := h.engine.Delete(r.Context(), *user, r.PathValue("messageID"))
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, msg)
}
