// Package gateway defines the outbound messaging port used by dispatch and
// reconciliation.
package gateway

import (
	"context"
	"strings"
)

// Result is what a send returns. OK=false is a per-recipient failure even
// when err is nil.
type Result struct {
	OK                bool
	ProviderMessageID string
	Error             string
}

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps provider vocabulary onto Status. Anything unrecognised
// is StatusUnknown.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return st
	default:
		return StatusUnknown
	}
}

type Client interface {
	SendText(ctx context.Context, phone, text string) (Result, error)
	SendMedia(ctx context.Context, phone, mediaRef, caption string) (Result, error)
	GetMessageStatus(ctx context.Context, waID string) (Status, error)
}
