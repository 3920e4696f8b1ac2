package model

import "time"

// DefaultEncoding is the content encoding used for new push subscriptions.
const DefaultEncoding = "aes128gcm"

// PushSubscription is a browser push endpoint registered by one of the
// user's devices. Identity is the SHA-256 hash of the endpoint URL, not the
// surrogate id: re-subscribing the same endpoint updates the existing row.
type PushSubscription struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	EndpointHash string    `json:"-"`
	Endpoint     string    `json:"endpoint"`
	P256dh       string    `json:"p256dh"`
	Auth         string    `json:"auth"`
	Encoding     string    `json:"encoding"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}
