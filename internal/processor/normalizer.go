package processor

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// MalformedEventError marks a notification that can never be processed. The
// controller rejects it without creating any ledger state.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// Normalizer converts raw storage-change notifications into canonical
// IngestEvents. It recognizes AWS S3 event batches, GCS object notifications,
// and the native etlflow shape. Events within one notification that resolve to
// the same object identity are collapsed to the first occurrence; the ledger
// is never consulted here.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize parses and validates a raw notification.
func (n *Normalizer) Normalize(raw []byte) ([]IngestEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &MalformedEventError{Reason: "notification is not valid JSON"}
	}

	var (
		events []IngestEvent
		err    error
	)
	switch {
	case gjson.GetBytes(raw, "Records").IsArray():
		events, err = n.normalizeS3(raw)
	case gjson.GetBytes(raw, "kind").String() == "storage#object":
		events, err = n.normalizeGCS(raw)
	default:
		events, err = n.normalizeNative(raw)
	}
	if err != nil {
		return nil, err
	}
	return collapse(events), nil
}

func (n *Normalizer) normalizeS3(raw []byte) ([]IngestEvent, error) {
	records := gjson.GetBytes(raw, "Records").Array()
	if len(records) == 0 {
		return nil, &MalformedEventError{Reason: "empty Records array"}
	}

	events := make([]IngestEvent, 0, len(records))
	for _, rec := range records {
		key := rec.Get("s3.object.key").String()
		unescaped, err := url.QueryUnescape(key)
		if err != nil {
			return nil, &MalformedEventError{Reason: fmt.Sprintf("unescape object key %q: %v", key, err)}
		}

		ev := IngestEvent{
			DeliveryID: rec.Get("responseElements.x-amz-request-id").String(),
			Bucket:     rec.Get("s3.bucket.name").String(),
			Key:        unescaped,
			Size:       rec.Get("s3.object.size").Int(),
		}
		if ev.ObservedAt, err = parseTimestamp(rec.Get("eventTime").String()); err != nil {
			return nil, err
		}
		if err := validate(&ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (n *Normalizer) normalizeGCS(raw []byte) ([]IngestEvent, error) {
	ev := IngestEvent{
		DeliveryID: gjson.GetBytes(raw, "id").String(),
		Bucket:     gjson.GetBytes(raw, "bucket").String(),
		Key:        gjson.GetBytes(raw, "name").String(),
		Generation: gjson.GetBytes(raw, "generation").String(),
		Size:       gjson.GetBytes(raw, "size").Int(),
	}

	ts := gjson.GetBytes(raw, "timeCreated").String()
	if ts == "" {
		ts = gjson.GetBytes(raw, "updated").String()
	}
	var err error
	if ev.ObservedAt, err = parseTimestamp(ts); err != nil {
		return nil, err
	}
	if err := validate(&ev); err != nil {
		return nil, err
	}
	return []IngestEvent{ev}, nil
}

func (n *Normalizer) normalizeNative(raw []byte) ([]IngestEvent, error) {
	ev := IngestEvent{
		DeliveryID: gjson.GetBytes(raw, "delivery_id").String(),
		Bucket:     gjson.GetBytes(raw, "bucket").String(),
		Key:        gjson.GetBytes(raw, "key").String(),
		Generation: gjson.GetBytes(raw, "generation").String(),
		Size:       gjson.GetBytes(raw, "size").Int(),
	}

	var err error
	if ev.ObservedAt, err = parseTimestamp(gjson.GetBytes(raw, "observed_at").String()); err != nil {
		return nil, err
	}
	if err := validate(&ev); err != nil {
		return nil, err
	}
	return []IngestEvent{ev}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &MalformedEventError{Reason: "missing timestamp"}
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &MalformedEventError{Reason: fmt.Sprintf("unparseable timestamp %q", s)}
	}
	return ts.UTC(), nil
}

func validate(ev *IngestEvent) error {
	if ev.Bucket == "" {
		return &MalformedEventError{Reason: "missing bucket"}
	}
	if ev.Key == "" {
		return &MalformedEventError{Reason: "missing object key"}
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = uuid.NewString()
	}
	return nil
}

// collapse drops events that differ only by delivery id, keeping the first
// occurrence per object identity.
func collapse(events []IngestEvent) []IngestEvent {
	if len(events) < 2 {
		return events
	}
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, ev := range events {
		id := ev.ObjectID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, ev)
	}
	return out
}
