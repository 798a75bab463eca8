// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"net/http"

	"go.uber.org/zap"

	"ridelink/internal/http/handlers"
	"ridelink/internal/infra"
	"ridelink/internal/logging"
	"ridelink/internal/modules/cancellation"
	"ridelink/internal/modules/chat"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/matching"
	"ridelink/internal/modules/proximity"
	"ridelink/internal/modules/ride"
	"ridelink/internal/pubsub"
)

type ServerDeps struct {
	Rides        *ride.Service
	Matching     *matching.Service
	Location     *location.Service
	Proximity    *proximity.Monitor
	Cancellation *cancellation.Service
	Chat         *chat.Service
	Tokens       handlers.TokenStore
	Bus          pubsub.Bus
	// Verifier authenticates bearer tokens. When nil the server trusts
	// identity headers, which is only meant for local runs.
	Verifier infra.TokenVerifier
	Logger   *zap.Logger
}

type Server struct {
	deps   ServerDeps
	logger *zap.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{deps: deps, logger: logging.OrNop(deps.Logger)}
}

func (s *Server) Routes() http.Handler {
	return NewRouter(s.deps, s.logger)
}
