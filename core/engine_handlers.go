package core

import (
	"context"
	"fmt"
)

// bind decodes and validates the payload of ev.
func bind(ev *Event, v interface{}) error {
	if err := ev.Bind(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	return validateStruct(v)
}

func (e *Engine) handlePing(_ context.Context, ev *Event) error {
	e.sendTo(ev.ConnID, EventPong, ev.RequestID, PongPayload{TS: e.now().UnixMilli()})
	return nil
}

func (e *Engine) handleAuth(ctx context.Context, ev *Event) error {
	var p ChatAuthPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	identity, err := e.auth.Authenticate(ctx, p)
	if err != nil {
		return err
	}
	if err := e.registry.Authenticate(ev.ConnID, *identity); err != nil {
		return err
	}
	e.sendTo(ev.ConnID, EventAuthSuccess, ev.RequestID, AuthSuccessPayload{User: *identity})
	return nil
}

func (e *Engine) handleJoin(ctx context.Context, ev *Event) error {
	var p RoomPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	room, subscribed, err := e.Join(ctx, ev.ConnID, p.RoomID)
	if err != nil {
		return err
	}
	e.sendTo(ev.ConnID, EventJoined, ev.RequestID, JoinedPayload{Room: room})

	if subscribed {
		user, err := e.registry.Identity(ev.ConnID)
		if err != nil {
			return err
		}
		e.broadcast(room.Key, EventUserJoined, UserJoinedPayload{
			RoomID: room.Key,
			User:   SenderFromIdentity(*user),
		}, user.Code)
	}

	if typing := e.typing.ListTyping(room.Key); len(typing) > 0 {
		e.sendTo(ev.ConnID, EventTypingUpdate, "", TypingUpdatePayload{RoomID: room.Key, Users: typing})
	}
	return nil
}

func (e *Engine) handleLeave(_ context.Context, ev *Event) error {
	var p RoomPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	return e.Leave(ev.ConnID, p.RoomID)
}

func (e *Engine) handleSend(ctx context.Context, ev *Event) error {
	var p SendPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	user, err := e.registry.Identity(ev.ConnID)
	if err != nil {
		return err
	}
	_, err = e.Send(ctx, *user, p.RoomID, p.Content, p.ClientID)
	return err
}

func (e *Engine) handleTyping(_ context.Context, ev *Event) error {
	var p RoomPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	return e.StartTyping(ev.ConnID, p.RoomID)
}

func (e *Engine) handleStopTyping(_ context.Context, ev *Event) error {
	var p RoomPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	return e.StopTyping(ev.ConnID, p.RoomID)
}

func (e *Engine) handleReaction(ctx context.Context, ev *Event) error {
	var p ReactionPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	user, err := e.registry.Identity(ev.ConnID)
	if err != nil {
		return err
	}
	_, err = e.React(ctx, *user, p.MessageID, p.Emoji)
	return err
}

func (e *Engine) handleRead(ctx context.Context, ev *Event) error {
	var p RoomPayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	user, err := e.registry.Identity(ev.ConnID)
	if err != nil {
		return err
	}
	_, err = e.Read(ctx, *user, p.RoomID)
	return err
}

func (e *Engine) handleDelete(ctx context.Context, ev *Event) error {
	var p DeletePayload
	if err := bind(ev, &p); err != nil {
		return err
	}
	user, err := e.registry.Identity(ev.ConnID)
	if err != nil {
		return err
	}
	_, err = e.Delete(ctx, *user, p.MessageID)
	return err
}
