package processor

import (
	"fmt"
	"time"
)

// IngestEvent is the canonical form of a storage-change notification.
type IngestEvent struct {
	// DeliveryID identifies one delivery of the notification. Retried
	// deliveries of the same underlying change may carry the same or a fresh
	// delivery id; it never participates in the object identity.
	DeliveryID string `json:"delivery_id"`
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	// Generation is the store's version discriminator, when the event carries
	// one (GCS does, S3 event notifications do not).
	Generation string    `json:"generation,omitempty"`
	Size       int64     `json:"size"`
	ObservedAt time.Time `json:"observed_at"`
}

// ObjectID is the ledger key: bucket/key, with the version generation appended
// when known so distinct object versions never collide.
func (e IngestEvent) ObjectID() string {
	id := fmt.Sprintf("%s/%s", e.Bucket, e.Key)
	if e.Generation != "" {
		id += "#" + e.Generation
	}
	return id
}

// ProcessedEvent is emitted after a transformed object is durably committed.
type ProcessedEvent struct {
	ObjectID       string    `json:"object_id"`
	OutputID       string    `json:"output_id"`
	Schema         string    `json:"schema"`
	Records        int       `json:"records"`
	DroppedRecords int       `json:"dropped_records"`
	Checksum       string    `json:"checksum"`
	SizeBytes      int64     `json:"size_bytes"`
	CompletedAt    time.Time `json:"completed_at"`
}
