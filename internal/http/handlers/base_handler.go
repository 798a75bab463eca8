// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ridelink/internal/modules/cancellation"
	"ridelink/internal/modules/chat"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/matching"
	"ridelink/internal/modules/ride"
	"ridelink/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

var errRideInactive = errors.New("ride is not active")

// isValidID accepts generated ids and external uids: letters, digits, '-' and '_'.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

// pathID reads and validates a path id, writing a 400 when it is malformed.
func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

type errorMapping struct {
	err    error
	status int
	msg    string
}

var errorTable = []errorMapping{
	{ride.ErrAlreadyClaimed, http.StatusConflict, "this ride was already accepted by someone else"},
	{ride.ErrNotOpen, http.StatusConflict, "this ride is no longer open"},
	{ride.ErrConflict, http.StatusConflict, "the ride changed in the meantime, refresh and try again"},
	{ride.ErrActiveRide, http.StatusConflict, "you already have an active ride"},
	{ride.ErrInvalidTransition, http.StatusConflict, "this action is not possible in the ride's current state"},
	{cancellation.ErrAlreadyPending, http.StatusConflict, "a cancellation request is already waiting for an answer"},
	{cancellation.ErrAlreadyResolved, http.StatusConflict, "this cancellation request was already answered"},
	{cancellation.ErrRideNotActive, http.StatusConflict, "this ride has already ended"},
	{errRideInactive, http.StatusConflict, "this ride is not active"},

	{ride.ErrNotArrived, http.StatusPreconditionFailed, "you are not close enough to the pickup or destination yet"},
	{ride.ErrArrivalUnknown, http.StatusPreconditionFailed, "your position is unknown, enable location and try again"},
	{matching.ErrOffline, http.StatusPreconditionFailed, "go online before accepting rides"},

	{ride.ErrForbidden, http.StatusForbidden, "you are not part of this ride"},
	{cancellation.ErrNotParty, http.StatusForbidden, "you are not part of this ride"},
	{chat.ErrNotParty, http.StatusForbidden, "you are not part of this ride"},
	{cancellation.ErrNotCounterParty, http.StatusForbidden, "only the other party can answer this request"},
	{matching.ErrIneligible, http.StatusForbidden, "your vehicle cannot serve this ride"},

	{ride.ErrNotFound, http.StatusNotFound, "ride not found"},
	{cancellation.ErrNotFound, http.StatusNotFound, "cancellation request not found"},
	{location.ErrNotFound, http.StatusNotFound, "no position reported yet"},

	{ride.ErrBadRequest, http.StatusBadRequest, "invalid request"},
	{cancellation.ErrBadRequest, http.StatusBadRequest, "invalid request"},
	{chat.ErrBadRequest, http.StatusBadRequest, "invalid request"},
	{chat.ErrEmptyBody, http.StatusBadRequest, "message is empty"},
	{chat.ErrTooLong, http.StatusBadRequest, "message is too long"},
	{location.ErrInvalid, http.StatusBadRequest, "invalid position"},
	{location.ErrStale, http.StatusBadRequest, "position is too old"},
}

// statusFor maps a service error to an HTTP status and a user-facing message.
func statusFor(err error) (int, string, bool) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.msg, true
		}
	}
	return http.StatusInternalServerError, "internal error", false
}

func writeServiceError(c *gin.Context, logger *zap.Logger, err error) {
	status, msg, known := statusFor(err)
	if !known {
		logger.Error("unhandled service error",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	writeError(c, status, msg)
}
