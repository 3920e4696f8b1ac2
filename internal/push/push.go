package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/verdantapp/verdant/internal/model"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTTL   = 86400
	retryBackoff = 500 * time.Millisecond
)

// Payload is the JSON sent to the push service.
type Payload struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Data               *Data    `json:"data,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
	Tag                string   `json:"tag,omitempty"`
	Renotify           bool     `json:"renotify,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
}

// Data is the structured block the service worker reads on notification click.
type Data struct {
	URL        string `json:"url,omitempty"`
	ReminderID int64  `json:"reminderId,omitempty"`
}

// Action is an actionable button on the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// DeliveryReport is the outcome of one delivery attempt to one endpoint.
// Expired means the push service reported the endpoint permanently gone
// (404/410) and the subscription should be retired; other failures are
// transient and cause no state change.
type DeliveryReport struct {
	Endpoint   string
	Success    bool
	StatusCode int
	Expired    bool
	Reason     string
}

// Config holds VAPID configuration.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// Service delivers web push notifications.
type Service struct {
	publicKey  string
	privateKey string
	subscriber string
	logger     *slog.Logger
}

// NewService creates a push service with VAPID keys. subscriber is the
// contact address sent to push services (mailto: or https:).
func NewService(cfg Config, logger *slog.Logger) *Service {
	return &Service{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.Subscriber,
		logger:     logger,
	}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *Service) VAPIDPublicKey() string {
	return s.publicKey
}

// SendWithReport delivers the payload to every subscription, one request per
// subscription, and returns the full per-subscription report set. Transport
// errors are caught and folded into failed reports; they never propagate.
func (s *Service) SendWithReport(ctx context.Context, subs []model.PushSubscription, payload Payload) []DeliveryReport {
	data, err := json.Marshal(payload)
	if err != nil {
		reports := make([]DeliveryReport, 0, len(subs))
		for _, sub := range subs {
			reports = append(reports, DeliveryReport{
				Endpoint: sub.Endpoint,
				Reason:   fmt.Sprintf("marshal payload: %v", err),
			})
		}
		return reports
	}

	reports := make([]DeliveryReport, 0, len(subs))
	for _, sub := range subs {
		reports = append(reports, s.deliver(ctx, &sub, data, webpush.UrgencyHigh))
	}
	return reports
}

// Send is the fire-and-forget variant used for broadcast notifications. It
// attempts every subscription best-effort and reports nothing; failures are
// only logged.
func (s *Service) Send(ctx context.Context, subs []model.PushSubscription, payload Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		if rep := s.deliver(ctx, &sub, data, webpush.UrgencyNormal); !rep.Success {
			s.logger.Debug("broadcast push failed",
				"endpoint", truncateEndpoint(rep.Endpoint), "status", rep.StatusCode, "reason", rep.Reason)
		}
	}
}

// deliver performs one push request and classifies the outcome. A transient
// transport error is retried once with a short constant backoff.
func (s *Service) deliver(ctx context.Context, sub *model.PushSubscription, data []byte, urgency webpush.Urgency) DeliveryReport {
	report := DeliveryReport{Endpoint: sub.Endpoint}

	var resp *http.Response
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(retryBackoff)), func(ctx context.Context) error {
		r, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			Subscriber:      s.subscriber,
			TTL:             defaultTTL,
			Urgency:         urgency,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		report.Reason = err.Error()
		return report
	}
	defer resp.Body.Close()

	report.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		report.Expired = true
		report.Reason = "subscription expired"
	case resp.StatusCode >= 400:
		report.Reason = fmt.Sprintf("push service returned %d", resp.StatusCode)
	default:
		report.Success = true
	}
	return report
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.Bytes())

	return publicKey, privateKey, nil
}

func truncateEndpoint(endpoint string) string {
	if len(endpoint) > 64 {
		return endpoint[:64]
	}
	return endpoint
}
