/*
Package handler provides HTTP handler functions for call logging and ICE configuration.
*/
package handler

import (
	"net/http"

	"callhub/internal/pkg/auth/jwt"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/req"
	"callhub/internal/pkg/resp"
)

type LogCallInput struct {
	// TargetID is the other participant of the call.
	TargetID string `json:"targetId"`
	// Duration is the connected time in whole seconds; zero marks a missed call.
	Duration int `json:"duration"`
	// Type is "video" or "audio".
	Type string `json:"type"`
}

// HandleLogCall records a finished call reported by its initiator.
func HandleLogCall(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		var input LogCallInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		entry, err := deps.CallLogs.LogCall(r.Context(), identity.ID, input.TargetID, input.Duration, input.Type)
		if err != nil {
			if customErr, ok := err.(*errs.CustomError); ok {
				resp.RespondError(w, r, customErr)
				return
			}
			logx.Error(err, "Failed to log call", "caller", identity.ID, "target", input.TargetID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStoreUnavailable))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"id":       entry.ID,
			"roomId":   entry.RoomID,
			"status":   entry.Status,
			"duration": entry.Duration,
		})
	}
}

// ICEServer mirrors the RTCIceServer dictionary browsers expect.
type ICEServer struct {
	URLs []string `json:"urls"`
}

// HandleICEServers returns the STUN/TURN servers clients should use.
func HandleICEServers(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]any{
			"iceServers": []ICEServer{{URLs: deps.Config.ICEServers}},
		})
	}
}
