package callevents

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"careline_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T, now time.Time) (*gin.Engine, *serviceHarness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newServiceHarness()
	verifier := &SignatureVerifier{
		secret: []byte(testSecret),
		maxAge: 30 * time.Minute,
		now:    func() time.Time { return now },
	}
	handler := NewHandler(h.service, verifier, logger.New("test"))

	router := gin.New()
	router.POST("/api/v1/webhook/call-events", handler.Receive)
	return router, h
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/call-events", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsInvalidSignatureWith401(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	router, h := newTestRouter(t, now)
	body := transcriptionBody("conv_1", directVars)

	for name, signature := range map[string]string{
		"missing":   "",
		"malformed": "v0=deadbeef",
		"stale":     signBody(t, testSecret, now.Add(-2*time.Hour).Unix(), body),
		"forged":    signBody(t, "wrong_secret", now.Unix(), body),
	} {
		rec := postWebhook(router, body, signature)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s signature: status = %d, want 401", name, rec.Code)
		}
	}
	// Unauthenticated deliveries leave no trace.
	if len(h.store.audits) != 0 {
		t.Fatalf("rejected deliveries were audited: %+v", h.store.audits)
	}
}

func TestWebhookAcknowledgesResolvedDelivery(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	router, h := newTestRouter(t, now)
	body := transcriptionBody("conv_2", directVars)

	rec := postWebhook(router, body, signBody(t, testSecret, now.Unix(), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "accepted" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if h.store.callLogs["conv_2"] == nil {
		t.Fatal("call log not written")
	}
}

func TestWebhookAcknowledgesUnresolvedDeliveryWith200(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	router, _ := newTestRouter(t, now)
	body := transcriptionBody("conv_3", "")

	rec := postWebhook(router, body, signBody(t, testSecret, now.Unix(), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "accepted: unresolved identity" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestWebhookAcknowledgesOrphanAudioWith200(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	router, _ := newTestRouter(t, now)
	body := []byte(`{"type":"post_call_audio","data":{"conversation_id":"conv_4","full_audio":"UklGRg=="}}`)

	rec := postWebhook(router, body, signBody(t, testSecret, now.Unix(), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "accepted: orphan audio" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestWebhookAcknowledgesMalformedBodyWith200(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	router, h := newTestRouter(t, now)
	body := []byte("definitely not json")

	rec := postWebhook(router, body, signBody(t, testSecret, now.Unix(), body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "accepted" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if len(h.store.audits) != 1 || h.store.audits[0].Outcome != AuditMalformed {
		t.Fatalf("audits = %+v", h.store.audits)
	}
}
