package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/guard"
)

type sendTextRequest struct {
	Phone            string `json:"phone"`
	Message          string `json:"message"`
	MessageIDToReply string `json:"message_id_to_reply,omitempty"`
}

// SendText delivers a text message through the session's backend.
func (h *Handler) SendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Message == "" {
		Error(w, http.StatusBadRequest, "phone and message are required")
		return
	}

	_, client, err := h.reg.Ready(h.sessionFrom(r))
	if err != nil {
		Fail(w, err)
		return
	}

	messageID, err := guard.Do(r.Context(), "send text", h.cfg.Timeout.Send,
		func(ctx context.Context) (string, error) {
			return client.SendText(ctx, backend.SendTextRequest{
				ChatID:   domain.NormalizeChatID(req.Phone),
				Body:     req.Message,
				QuotedID: req.MessageIDToReply,
			})
		})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"messageId": messageID})
}

type sendMediaRequest struct {
	Phone            string `json:"phone"`
	Media            string `json:"media"` // http(s) URL, data: URI, or path under the media root
	Filename         string `json:"filename,omitempty"`
	Caption          string `json:"caption,omitempty"`
	MessageIDToReply string `json:"message_id_to_reply,omitempty"`
}

// SendMedia resolves the requested media source and delivers it.
func (h *Handler) SendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendMediaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" || req.Media == "" {
		Error(w, http.StatusBadRequest, "phone and media are required")
		return
	}

	media, err := h.resolveMedia(r.Context(), req.Media, req.Filename)
	if err != nil {
		Fail(w, err)
		return
	}

	_, client, err := h.reg.Ready(h.sessionFrom(r))
	if err != nil {
		Fail(w, err)
		return
	}

	messageID, err := guard.Do(r.Context(), "send media", h.cfg.Timeout.MediaSend,
		func(ctx context.Context) (string, error) {
			return client.SendMedia(ctx, backend.SendMediaRequest{
				ChatID:   domain.NormalizeChatID(req.Phone),
				Data:     media.data,
				MimeType: media.mimeType,
				Filename: media.filename,
				Caption:  req.Caption,
				QuotedID: req.MessageIDToReply,
			})
		})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"messageId": messageID})
}

type forwardRequest struct {
	MessageID string `json:"messageId"`
	ToChatID  string `json:"toChatId"`
}

// ForwardMessage looks a message up on the backend and re-delivers it
// to another chat. Both legs are guarded separately; a lookup that
// hangs must not eat the forward budget.
func (h *Handler) ForwardMessage(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MessageID == "" || req.ToChatID == "" {
		Error(w, http.StatusBadRequest, "messageId and toChatId are required")
		return
	}

	_, client, err := h.reg.Ready(h.sessionFrom(r))
	if err != nil {
		Fail(w, err)
		return
	}

	ref, err := guard.Do(r.Context(), "lookup message", h.cfg.Timeout.Lookup,
		func(ctx context.Context) (*backend.MessageRef, error) {
			return client.LookupMessage(ctx, req.MessageID)
		})
	if err != nil {
		Fail(w, err)
		return
	}

	messageID, err := guard.Do(r.Context(), "forward message", h.cfg.Timeout.Forward,
		func(ctx context.Context) (string, error) {
			return client.Forward(ctx, ref.MessageID, domain.NormalizeChatID(req.ToChatID))
		})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"messageId": messageID})
}

type clearGroupRequest struct {
	ChatID string `json:"chatId"`
}

// ClearGroupMessages wipes the message history of one group chat.
// Individual chats are refused; this operation exists for group
// hygiene only.
func (h *Handler) ClearGroupMessages(w http.ResponseWriter, r *http.Request) {
	var req clearGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChatID == "" {
		Error(w, http.StatusBadRequest, "chatId is required")
		return
	}
	if !domain.IsGroupChatID(req.ChatID) {
		Error(w, http.StatusBadRequest, "chatId does not address a group")
		return
	}

	_, client, err := h.reg.Ready(h.sessionFrom(r))
	if err != nil {
		Fail(w, err)
		return
	}

	err = guard.Run(r.Context(), "clear group messages", h.cfg.Timeout.Send,
		func(ctx context.Context) error {
			info, err := client.ChatInfo(ctx, req.ChatID)
			if err != nil {
				return err
			}
			if !info.IsGroup {
				return fmt.Errorf("chat %s is not a group", req.ChatID)
			}
			return client.ClearMessages(ctx, req.ChatID)
		})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"cleared": req.ChatID})
}
