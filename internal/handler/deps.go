package handler

import (
	"callhub/internal/app/calllog"
	"callhub/internal/app/gateway"
	"callhub/internal/app/rooms"
	"callhub/internal/app/store"
	"callhub/internal/configs"
	"callhub/internal/pkg/auth/jwt"
)

// AppDeps bundles everything the HTTP layer needs.
type AppDeps struct {
	Config        *configs.AppConfig
	Hub           *gateway.Hub
	Authenticator *jwt.Authenticator
	Resolver      *rooms.Resolver
	Rooms         store.RoomStore
	CallLogs      *calllog.Service
}
