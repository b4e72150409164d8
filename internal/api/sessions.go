package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/guard"
)

// ListSessions returns a status snapshot for every tracked session.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	OK(w, map[string]any{"sessions": h.reg.StatusAll()})
}

// SessionStatus returns the snapshot for one session.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.reg.Status(chi.URLParam(r, "id"))
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"session": status})
}

// InitializeSession creates a new session and starts its backend. The
// response returns immediately; pairing progress arrives on the live
// feed and via the status endpoint.
func (h *Handler) InitializeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reg.Create(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"session_id": id, "state": domain.StateInitializing})
}

// SessionQR returns the current pairing challenge, if one is pending.
func (h *Handler) SessionQR(w http.ResponseWriter, r *http.Request) {
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		Fail(w, err)
		return
	}
	qr := sess.Sup.QR()
	if qr == "" {
		Error(w, http.StatusNotFound, "no pairing challenge pending")
		return
	}
	OK(w, map[string]any{"qr": qr})
}

// LogoutSession logs the session out and removes it.
func (h *Handler) LogoutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reg.Destroy(r.Context(), id); err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"session_id": id, "state": domain.StateDestroyed})
}

// ListChats enumerates the session's chats through the backend.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	_, client, err := h.reg.Ready(chi.URLParam(r, "id"))
	if err != nil {
		Fail(w, err)
		return
	}

	chats, err := guard.Do(r.Context(), "list chats", h.cfg.Timeout.Chats,
		func(ctx context.Context) ([]domain.Chat, error) {
			return client.Chats(ctx)
		})
	if err != nil {
		Fail(w, err)
		return
	}
	OK(w, map[string]any{"chats": chats})
}
