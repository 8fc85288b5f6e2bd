package domain

import (
	"path"
	"strings"
	"time"
)

type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindDocument MessageKind = "document"
	KindMixed    MessageKind = "mixed"
)

// KindFor infers the message kind from its attachments.
func KindFor(media []string) MessageKind {
	switch len(media) {
	case 0:
		return KindText
	case 1:
		switch strings.ToLower(path.Ext(media[0])) {
		case ".pdf", ".doc", ".docx", ".xls", ".xlsx":
			return KindDocument
		}
		return KindImage
	default:
		return KindMixed
	}
}

type Delivery struct {
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	LastError   string
}

type Message struct {
	ID          string
	CustomerID  string
	CampaignID  string
	Phone       string
	Content     string
	Media       []string
	Kind        MessageKind
	Status      MessageStatus
	Delivery    Delivery
	WaID        string
	ScheduledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s MessageStatus) Terminal() bool {
	return s == MessageRead || s == MessageFailed
}

func (s MessageStatus) rank() int {
	switch s {
	case MessageQueued:
		return 0
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return -1
}

// CanTransitionMessage allows forward moves only. failed is reachable from
// queued and sent.
func CanTransitionMessage(from, to MessageStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == MessageFailed {
		return from == MessageQueued || from == MessageSent
	}
	fr, tr := from.rank(), to.rank()
	if fr < 0 || tr < 0 || tr <= fr {
		return false
	}
	// queued only moves to sent; delivery receipts need a send first.
	if from == MessageQueued {
		return to == MessageSent
	}
	return true
}

// Transition returns a copy of m moved to `to`. changed is false for
// repeated, backward or otherwise invalid moves, which leave m untouched.
func (m Message) Transition(to MessageStatus, reason string, at time.Time) (next Message, changed bool) {
	if !CanTransitionMessage(m.Status, to) {
		return m, false
	}
	ts := at
	next = m
	next.Status = to
	next.UpdatedAt = at
	switch to {
	case MessageSent:
		next.Delivery.SentAt = &ts
	case MessageDelivered:
		next.Delivery.DeliveredAt = &ts
	case MessageRead:
		if next.Delivery.DeliveredAt == nil {
			next.Delivery.DeliveredAt = &ts
		}
		next.Delivery.ReadAt = &ts
	case MessageFailed:
		next.Delivery.LastError = reason
	}
	return next, true
}
