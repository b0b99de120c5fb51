package httpapi

import (
	"errors"
	"net/http"
	"time"

	"ringlink/internal/auth"
	"ringlink/internal/authority"
	"ringlink/internal/session"
	"ringlink/internal/usage"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Authority *authority.Service
	Usage     usage.Ledger
}

// --- Devices ---

// RegisterDevice mints an opaque device id and issues a token pair for it.
// No credentials are collected: identity here is deliberately anonymous.
func (h Handlers) RegisterDevice(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	deviceID := auth.NewDeviceID()
	pair, err := h.Auth.IssuePair(time.Now(), deviceID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device_id":     deviceID,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshToken exchanges a refresh token for a fresh pair.
func (h Handlers) RefreshToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), claims.DeviceID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

// StartCall creates a session and fans out the incoming-call push.
func (h Handlers) StartCall(c *gin.Context) {
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	var req authority.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	created, err := h.Authority.StartSession(c.Request.Context(), deviceID, req)
	if err != nil {
		abortAuthorityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": created.ID,
		"room_name":  created.RoomName,
		"call_type":  created.CallType,
		"started_at": created.StartedAt,
	})
}

type endRequest struct {
	SessionID string `json:"session_id"`
}

// EndCall terminates a session the caller owns and returns billed minutes.
func (h Handlers) EndCall(c *gin.Context) {
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	minutes, err := h.Authority.EndSession(c.Request.Context(), deviceID, req.SessionID)
	if err != nil {
		abortAuthorityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duration_minutes": minutes})
}

type cancelRequest struct {
	// Ref is a session id or a room name; the authority resolves either.
	Ref string `json:"ref"`
}

// CancelCall retracts a ringing call before it is answered.
func (h Handlers) CancelCall(c *gin.Context) {
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Ref == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "ref required"})
		return
	}
	if err := h.Authority.CancelSession(c.Request.Context(), deviceID, req.Ref); err != nil {
		abortAuthorityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ActiveCalls lists fresh active sessions ringing toward the caller's own
// device. Used by clients reconciling on foreground or cold start.
func (h Handlers) ActiveCalls(c *gin.Context) {
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	sessions := h.Authority.QueryActiveSessionsToTarget(c.Request.Context(), deviceID, c.Query("exclude_caller"))
	if sessions == nil {
		sessions = []session.CallSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// CallStatus reports whether the call bound to a room is still active,
// optionally constrained to a specific caller.
func (h Handlers) CallStatus(c *gin.Context) {
	roomName := c.Query("room_name")
	callerID := c.Query("caller_id")
	if roomName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room_name required"})
		return
	}
	status, err := h.Authority.CheckSessionStatus(c.Request.Context(), roomName, callerID)
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	if err != nil {
		abortAuthorityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": status == session.StatusActive, "status": status})
}

// CheckCancellation answers the pre-ring race check: was this exact call
// retracted before this device could render it?
func (h Handlers) CheckCancellation(c *gin.Context) {
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	roomName := c.Query("room_name")
	callerID := c.Query("caller_id")
	if roomName == "" || callerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room_name and caller_id required"})
		return
	}
	cancelled := h.Authority.CheckCancellation(c.Request.Context(), roomName, callerID, deviceID)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// --- Usage ---

// UsageSummary returns the caller's own billed totals for a period.
func (h Handlers) UsageSummary(c *gin.Context) {
	if h.Usage == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "usage not configured"})
		return
	}
	deviceID, err := auth.DeviceID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_id required"})
		return
	}
	now := time.Now().UTC()
	from, to := now.AddDate(0, -1, 0), now
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
	}
	sum, err := h.Usage.SummaryForDevice(c.Request.Context(), deviceID, from, to)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func abortAuthorityError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authority.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, authority.ErrRateLimited):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many call starts"})
	case errors.Is(err, authority.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, session.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
