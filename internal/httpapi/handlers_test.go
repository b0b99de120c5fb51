package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ringlink/internal/auth"
	"ringlink/internal/authority"
	"ringlink/internal/config"
	"ringlink/internal/gateway"
	"ringlink/internal/session"
	"ringlink/internal/usage"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *usage.MemoryLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	ledger := usage.NewMemoryLedger()
	store := session.NewMemoryStore(ledger)
	dispatcher := gateway.NewDispatcher(gateway.NewMemorySender(), nil, time.Second)
	svc := authority.NewService(store, session.NewMemoryCancellations(), nil, dispatcher, config.Defaults(), nil)

	h := Handlers{Auth: manager, Authority: svc, Usage: ledger}

	r := gin.New()
	r.POST("/v1/devices/register", h.RegisterDevice)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireDeviceToken(manager))
	{
		v1.POST("/calls/start", h.StartCall)
		v1.POST("/calls/end", h.EndCall)
		v1.POST("/calls/cancel", h.CancelCall)
		v1.GET("/calls/active", h.ActiveCalls)
		v1.GET("/calls/status", h.CallStatus)
		v1.GET("/usage/summary", h.UsageSummary)
	}
	return r, ledger
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func register(t *testing.T, r *gin.Engine) (deviceID, token string) {
	t.Helper()
	w, body := doJSON(t, r, http.MethodPost, "/v1/devices/register", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d", w.Code)
	}
	deviceID, _ = body["device_id"].(string)
	token, _ = body["access_token"].(string)
	if deviceID == "" || token == "" {
		t.Fatalf("incomplete register response: %v", body)
	}
	return deviceID, token
}

func TestRegisterThenStartAndEndCall(t *testing.T) {
	r, ledger := newTestRouter(t)
	_, callerTok := register(t, r)
	calleeID, _ := register(t, r)

	w, body := doJSON(t, r, http.MethodPost, "/v1/calls/start", callerTok, gin.H{
		"participant_ids": []string{calleeID},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%v", w.Code, body)
	}
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" || body["room_name"] == "" {
		t.Fatalf("incomplete start response: %v", body)
	}

	w, body = doJSON(t, r, http.MethodPost, "/v1/calls/end", callerTok, gin.H{"session_id": sessionID})
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d body=%v", w.Code, body)
	}
	if len(ledger.Records()) != 2 {
		t.Fatalf("usage records = %d, want one per participant", len(ledger.Records()))
	}
}

func TestCallsRequireBearerToken(t *testing.T) {
	r, _ := newTestRouter(t)
	w, _ := doJSON(t, r, http.MethodPost, "/v1/calls/start", "", gin.H{"participant_ids": []string{"x"}})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	w, _ = doJSON(t, r, http.MethodPost, "/v1/calls/start", "not-a-jwt", gin.H{"participant_ids": []string{"x"}})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", w.Code)
	}
}

func TestStartCallRejectsSelfDial(t *testing.T) {
	r, _ := newTestRouter(t)
	deviceID, tok := register(t, r)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/calls/start", tok, gin.H{
		"participant_ids": []string{deviceID},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEndCallByNonOwnerIsForbidden(t *testing.T) {
	r, _ := newTestRouter(t)
	_, callerTok := register(t, r)
	calleeID, calleeTok := register(t, r)

	_, body := doJSON(t, r, http.MethodPost, "/v1/calls/start", callerTok, gin.H{
		"participant_ids": []string{calleeID},
	})
	sessionID, _ := body["session_id"].(string)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/calls/end", calleeTok, gin.H{"session_id": sessionID})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestCancelUnknownRefIsNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	_, tok := register(t, r)

	w, _ := doJSON(t, r, http.MethodPost, "/v1/calls/cancel", tok, gin.H{"ref": "no-such-session"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCallStatusCallerIsOptional(t *testing.T) {
	r, _ := newTestRouter(t)
	_, callerTok := register(t, r)
	calleeID, calleeTok := register(t, r)

	_, body := doJSON(t, r, http.MethodPost, "/v1/calls/start", callerTok, gin.H{
		"participant_ids": []string{calleeID},
	})
	roomName, _ := body["room_name"].(string)

	w, status := doJSON(t, r, http.MethodGet, "/v1/calls/status?room_name="+roomName, calleeTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d body=%v", w.Code, status)
	}
	if status["active"] != true {
		t.Fatalf("active = %v, want true", status["active"])
	}

	w, _ = doJSON(t, r, http.MethodGet, "/v1/calls/status", calleeTok, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing room_name code = %d, want 400", w.Code)
	}
}

func TestUsageSummaryReturnsOwnTotals(t *testing.T) {
	r, _ := newTestRouter(t)
	_, callerTok := register(t, r)
	calleeID, calleeTok := register(t, r)

	_, body := doJSON(t, r, http.MethodPost, "/v1/calls/start", callerTok, gin.H{
		"participant_ids": []string{calleeID},
	})
	sessionID, _ := body["session_id"].(string)
	doJSON(t, r, http.MethodPost, "/v1/calls/end", callerTok, gin.H{"session_id": sessionID})

	w, sum := doJSON(t, r, http.MethodGet, "/v1/usage/summary", calleeTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d", w.Code)
	}
	if sum["device_id"] != calleeID {
		t.Fatalf("summary device = %v, want %s", sum["device_id"], calleeID)
	}
}
