// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ridelink/internal/http/handlers"
	"ridelink/internal/http/middleware"
	"ridelink/internal/types"
)

func NewRouter(deps ServerDeps, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Metrics(), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.HeaderAuth()
	if deps.Verifier != nil {
		auth = middleware.Auth(deps.Verifier)
	} else {
		logger.Warn("no token verifier configured, trusting identity headers")
	}
	fulfiller := middleware.RequireRole(types.RoleFulfiller)

	api := r.Group("/api", auth)
	ws := r.Group("/ws", auth)

	rideHandler := handlers.NewRideHandler(deps.Rides, logger)
	api.POST("/rides", rideHandler.Create)
	api.GET("/rides", rideHandler.Mine)
	api.GET("/rides/:id", rideHandler.Get)
	api.GET("/rides/:id/events", rideHandler.Events)

	driverHandler := handlers.NewDriverHandler(deps.Rides, deps.Matching, logger)
	driver := api.Group("/driver", fulfiller)
	driver.POST("/online", driverHandler.Online)
	driver.POST("/offline", driverHandler.Offline)
	driver.GET("/status", driverHandler.Status)
	driver.GET("/open-rides", driverHandler.ListOpen)
	driver.POST("/rides/:id/claim", driverHandler.Claim)
	driver.POST("/rides/:id/start", driverHandler.Start)
	driver.POST("/rides/:id/complete", driverHandler.Complete)
	ws.GET("/driver/open-rides", fulfiller, driverHandler.WatchOpen)

	locationHandler := handlers.NewLocationHandler(deps.Rides, deps.Location, deps.Proximity, deps.Bus, logger)
	api.POST("/rides/:id/presence", locationHandler.Record)
	api.GET("/rides/:id/presence", locationHandler.Pair)
	api.GET("/rides/:id/presence/history", locationHandler.History)
	api.GET("/rides/:id/arrival", locationHandler.Arrival)
	ws.GET("/rides/:id/presence", locationHandler.Stream)

	cancelHandler := handlers.NewCancellationHandler(deps.Rides, deps.Cancellation, deps.Bus, logger)
	api.POST("/rides/:id/cancellation", cancelHandler.Request)
	api.GET("/rides/:id/cancellation", cancelHandler.List)
	api.POST("/cancellations/:nid/respond", cancelHandler.Respond)
	ws.GET("/rides/:id/cancellation", cancelHandler.Stream)

	chatHandler := handlers.NewChatHandler(deps.Rides, deps.Chat, logger)
	api.POST("/rides/:id/messages", chatHandler.Send)
	api.GET("/rides/:id/messages", chatHandler.List)
	ws.GET("/rides/:id/chat", chatHandler.Stream)

	deviceHandler := handlers.NewDeviceHandler(deps.Tokens, logger)
	api.PUT("/devices", deviceHandler.Register)
	api.DELETE("/devices", deviceHandler.Unregister)

	return r
}
