package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/verdantapp/verdant/internal/model"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	if pub == "" {
		t.Error("expected non-empty public key")
	}
	if priv == "" {
		t.Error("expected non-empty private key")
	}

	// Public key should be base64url-encoded, 65 bytes uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}

	// Generate again, should be different
	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

func TestPayloadJSON(t *testing.T) {
	p := Payload{
		Title: "Challenge reminder",
		Body:  "Time to work on: Daily Reading",
		Data: &Data{
			URL:        "https://verdant.example.com/progression/",
			ReminderID: 42,
		},
		Actions: []Action{{Action: "open", Title: "Open"}},
		Tag:     "reminder-42-1700000000",
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := string(data)
	for _, want := range []string{`"title"`, `"reminderId":42`, `"tag"`, `"actions"`} {
		if !strings.Contains(s, want) {
			t.Errorf("payload JSON missing %s: %s", want, s)
		}
	}
	// Unset optional fields stay out of the wire format.
	if strings.Contains(s, "renotify") || strings.Contains(s, "requireInteraction") {
		t.Errorf("unexpected optional fields: %s", s)
	}
}

// testSubscription builds a subscription with a real browser-side key pair so
// payload encryption succeeds against a local test endpoint.
func testSubscription(t *testing.T, endpoint string) model.PushSubscription {
	t.Helper()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscriber key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}

	return model.PushSubscription{
		UserID:   1,
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
		Encoding: model.DefaultEncoding,
		Active:   true,
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	return NewService(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "mailto:ops@verdant.example.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendWithReportClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusGone)
		case strings.HasSuffix(r.URL.Path, "/flaky"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	svc := testService(t)
	subs := []model.PushSubscription{
		testSubscription(t, srv.URL+"/send/ok"),
		testSubscription(t, srv.URL+"/send/gone"),
		testSubscription(t, srv.URL+"/send/flaky"),
	}

	reports := svc.SendWithReport(context.Background(), subs, Payload{Title: "t", Body: "b"})
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}

	ok, gone, flaky := reports[0], reports[1], reports[2]

	if !ok.Success || ok.StatusCode != http.StatusCreated {
		t.Errorf("ok report = %+v", ok)
	}
	if gone.Success || !gone.Expired || gone.StatusCode != http.StatusGone {
		t.Errorf("gone report = %+v", gone)
	}
	if flaky.Success || flaky.Expired || flaky.StatusCode != http.StatusInternalServerError || flaky.Reason == "" {
		t.Errorf("flaky report = %+v", flaky)
	}
}

func TestSendWithReportTransportError(t *testing.T) {
	// A server that is already closed produces a connection error, which is
	// a failed report rather than a panic or a propagated error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL + "/send/dead"
	srv.Close()

	svc := testService(t)
	reports := svc.SendWithReport(context.Background(), []model.PushSubscription{testSubscription(t, endpoint)}, Payload{Title: "t"})
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	if reports[0].Success || reports[0].Expired || reports[0].Reason == "" {
		t.Errorf("report = %+v", reports[0])
	}
}
