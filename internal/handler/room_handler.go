/*
Package handler provides HTTP handler functions for reading room timelines.
*/
package handler

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"callhub/internal/app/calllog"
	"callhub/internal/app/store"
	"callhub/internal/pkg/auth/jwt"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/resp"
)

// TimelineItem is either a chat message or a call log entry.
type TimelineItem struct {
	// Kind is "message" or "call".
	Kind string `json:"kind"`

	ID         string    `json:"id"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	Call *calllog.Entry `json:"call,omitempty"`
}

// HandleRoomMessages returns the room timeline, oldest first, with call logs
// merged in by timestamp. Non-members get the same answer as for a missing room.
func HandleRoomMessages(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		roomID := chi.URLParam(r, "roomId")
		if _, ok := deps.Resolver.Authorize(r.Context(), roomID, identity.ID); !ok {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomNotFound))
			return
		}

		limit := store.DefaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > store.DefaultHistoryLimit {
				resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
				return
			}
			limit = n
		}

		messages, err := deps.Rooms.History(r.Context(), roomID, limit)
		if err != nil {
			logx.Error(err, "Failed to load room history", "room_id", roomID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		calls, err := deps.CallLogs.Entries(r.Context(), roomID, limit)
		if err != nil {
			logx.Error(err, "Failed to load call logs", "room_id", roomID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"roomId": roomID,
			"items":  mergeTimeline(messages, calls, limit),
		})
	}
}

// mergeTimeline interleaves messages and call logs oldest first and keeps the
// newest limit items.
func mergeTimeline(messages []store.Message, calls []calllog.Entry, limit int) []TimelineItem {
	items := make([]TimelineItem, 0, len(messages)+len(calls))

	for _, m := range messages {
		items = append(items, TimelineItem{
			Kind:       "message",
			ID:         m.ID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		})
	}

	for i := range calls {
		c := calls[i]
		items = append(items, TimelineItem{
			Kind:      "call",
			ID:        c.ID,
			SenderID:  c.CallerID,
			CreatedAt: c.CreatedAt,
			Call:      &c,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}
