package domain

import (
	"github.com/google/uuid"
	"time"
)

// ReceivedActivity marks an inbound activity id whose effects have been applied.
type ReceivedActivity struct {
	ApId       string
	ReceivedAt time.Time
}

// DeliveryStatus is the lifecycle state of a queued outbound delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityId   string
	ActivityJSON string // The complete activity to deliver
	SenderURI    string // local actor whose key signs the request
	Attempts     int
	NextRetryAt  time.Time
	Status       DeliveryStatus
	LastError    string
	CreatedAt    time.Time
}

// DeliveryStats summarizes the queue per inbox.
type DeliveryStats struct {
	InboxURI string
	Pending  int
	Failed   int
	NextAt   *time.Time
}
