package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// InternalTokenHeader carries the shared secret of the internal API.
const InternalTokenHeader = "X-Internal-Token"

// IsOnline reports whether userID has at least one live connection.
func (a *App) IsOnline(userID uint) bool { return a.registry.IsOnline(userID) }

// ConnectionsOf lists the live connection ids of userID.
func (a *App) ConnectionsOf(userID uint) []string { return a.registry.ConnectionsOf(userID) }

// BroadcastToRoom delivers an event to everyone in room on behalf of the
// server and returns the number of connections reached.
func (a *App) BroadcastToRoom(room Room, event string, payload interface{}) int {
	return a.broadcaster.BroadcastToRoom(room, event, payload, BroadcastOptions{IncludeOrigin: true})
}

func (a *App) SendToUser(userID uint, event string, payload interface{}) int {
	return a.broadcaster.SendToUser(userID, event, payload)
}

func (a *App) EmitGlobal(event string, payload interface{}) int {
	return a.broadcaster.EmitGlobal(event, payload)
}

// OnlineUsers returns the presence records of users considered online.
func (a *App) OnlineUsers(ctx context.Context) ([]storage.Presence, error) {
	return a.presence.OnlineUsers(ctx)
}

func (a *App) UserStatus(ctx context.Context, userID uint) (storage.Presence, error) {
	return a.presence.Status(ctx, userID)
}

// UpdateStatus queues an explicit status change. A nil audience broadcasts
// the change to everyone.
func (a *App) UpdateStatus(ctx context.Context, userID uint, status storage.PresenceStatus, activity *string, audience []uint) error {
	tr := a.registry.Stamp(userID, TransitionStatus, status, activity)
	tr.Audience = audience
	if err := a.presence.Submit(ctx, tr); err != nil {
		return persistenceError("queue status change", err)
	}
	return nil
}

func (a *App) internalRoutes(r chi.Router) {
	r.Use(a.requireInternalToken)
	r.Get("/users/{userID}/online", a.apiUserOnline)
	r.Post("/users/{userID}/events", a.apiSendToUser)
	r.Get("/presence/online", a.apiOnlineUsers)
	r.Get("/presence/{userID}", a.apiUserStatus)
	r.Post("/presence/{userID}", a.apiUpdateStatus)
	r.Post("/rooms/{kind}/{roomID}/events", a.apiBroadcast)
}

// requireInternalToken rejects every request when no token is configured.
func (a *App) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := a.cfg.Internal.Token
		got := r.Header.Get(InternalTokenHeader)
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type eventRequest struct {
	Event    string          `json:"event" validate:"required,max=64"`
	Data     json.RawMessage `json:"data"`
	Notify   bool            `json:"notify,omitempty"`
	SenderID uint            `json:"senderId,omitempty"`
	Body     string          `json:"body,omitempty" validate:"max=4000"`
}

type statusRequest struct {
	Status   string  `json:"status" validate:"required,oneof=online offline away busy dnd"`
	Activity *string `json:"activity,omitempty" validate:"omitempty,max=120"`
	Audience []uint  `json:"audience,omitempty"`
}

func (a *App) apiUserOnline(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(w, r, "userID")
	if !ok {
		return
	}
	conns := a.registry.ConnectionsOf(userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":      userID,
		"online":      len(conns) > 0,
		"connections": len(conns),
	})
}

func (a *App) apiOnlineUsers(w http.ResponseWriter, r *http.Request) {
	records, err := a.presence.OnlineUsers(r.Context())
	if err != nil {
		a.writeClassified(w, err)
		return
	}
	out := make([]protocol.PresenceStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, presencePayload(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) apiUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(w, r, "userID")
	if !ok {
		return
	}
	record, err := a.presence.Status(r.Context(), userID)
	if err != nil {
		a.writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presencePayload(record))
}

func (a *App) apiUpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(w, r, "userID")
	if !ok {
		return
	}
	req, ok := decodeBody[statusRequest](w, r)
	if !ok {
		return
	}
	if err := a.UpdateStatus(r.Context(), userID, storage.PresenceStatus(req.Status), req.Activity, req.Audience); err != nil {
		a.writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"userId": userID, "status": req.Status})
}

func (a *App) apiBroadcast(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseRoomKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	roomID, ok := uintParam(w, r, "roomID")
	if !ok {
		return
	}
	req, ok := decodeBody[eventRequest](w, r)
	if !ok {
		return
	}
	delivered := a.BroadcastToRoom(Room{Kind: kind, ID: roomID}, req.Event, req.Data)
	writeJSON(w, http.StatusOK, protocol.Delivery{Delivered: delivered})
}

// apiSendToUser delivers an event to a user's connections. With notify set,
// a user who is not connected gets a notification record instead.
func (a *App) apiSendToUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(w, r, "userID")
	if !ok {
		return
	}
	req, ok := decodeBody[eventRequest](w, r)
	if !ok {
		return
	}
	delivered := a.SendToUser(userID, req.Event, req.Data)
	if delivered == 0 && req.Notify {
		note := storage.Notification{
			RecipientID: userID,
			SenderID:    req.SenderID,
			Kind:        storage.NotificationEvent,
			Body:        req.Body,
		}
		if err := a.notifier.Enqueue(r.Context(), note); err != nil {
			logging.Warn().Err(err).Uint("recipient_id", userID).Msg("notification queue full")
		}
	}
	writeJSON(w, http.StatusOK, protocol.Delivery{Delivered: delivered})
}

func (a *App) writeClassified(w http.ResponseWriter, err error) {
	e := classify(err)
	status := http.StatusInternalServerError
	switch e.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindInvalid:
		status = http.StatusBadRequest
	case KindPersistence:
		status = http.StatusServiceUnavailable
		logging.Error().Err(e).Msg("internal api request failed")
	}
	writeAPIError(w, status, e.clientMessage())
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var body T
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "malformed body")
		return body, false
	}
	if err := payloadValidator().Struct(body); err != nil {
		writeAPIError(w, http.StatusBadRequest, validationMessage(err))
		return body, false
	}
	return body, true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
