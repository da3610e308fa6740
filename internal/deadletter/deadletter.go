// Package deadletter implements file-based resolution of dead-letter
// records: the set is exported to a TOML document, edited by hand, and
// imported back to retry, amend, or discard each change.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/taskdeck/offsync/internal/queue"
)

// Entry is one dead-letter record in the exchange document. Payload is
// the raw JSON as a string so it stays editable in TOML.
type Entry struct {
	ID         string    `toml:"id"`
	EntityType string    `toml:"entity_type"`
	EntityID   string    `toml:"entity_id"`
	Operation  string    `toml:"operation"`
	Payload    string    `toml:"payload,omitempty"`
	CreatedAt  time.Time `toml:"created_at"`
	Attempts   int       `toml:"attempts"`
	LastError  string    `toml:"last_error,omitempty"`

	// Resolution is filled in by the editor: "retry" or "discard".
	// Anything else leaves the record parked.
	Resolution string `toml:"resolution,omitempty"`
}

// Document is the exported TOML file.
type Document struct {
	ExportedAt time.Time `toml:"exported_at"`
	Changes    []Entry   `toml:"changes"`
}

// Export writes the queue's dead-letter set as a TOML document.
func Export(q *queue.Queue, w io.Writer) error {
	doc := Document{ExportedAt: time.Now().UTC()}
	for _, rec := range q.DeadLetters() {
		doc.Changes = append(doc.Changes, Entry{
			ID:         rec.ID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Operation:  string(rec.Operation),
			Payload:    string(rec.Payload),
			CreatedAt:  rec.CreatedAt,
			Attempts:   rec.Attempts,
			LastError:  rec.LastError,
		})
	}

	if err := toml.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode dead-letter export: %w", err)
	}
	return nil
}

// Parse reads an edited document.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse dead-letter document: %w", err)
	}
	return &doc, nil
}

// Outcome summarizes an import.
type Outcome struct {
	Retried   int
	Discarded int
	Skipped   int
}

// Apply executes the resolutions in a parsed document against the
// queue. Entries without a resolution, or referencing records that are
// no longer dead-lettered, are skipped rather than failing the whole
// import.
func Apply(ctx context.Context, q *queue.Queue, doc *Document) (Outcome, error) {
	var out Outcome
	for _, e := range doc.Changes {
		rec, err := q.Get(e.ID)
		if err != nil || rec.Status != queue.StatusDeadLetter {
			out.Skipped++
			continue
		}

		switch e.Resolution {
		case "discard":
			if err := q.Discard(ctx, e.ID); err != nil {
				return out, fmt.Errorf("failed to discard %s: %w", e.ID, err)
			}
			out.Discarded++

		case "retry":
			if e.Payload != string(rec.Payload) {
				if e.Payload != "" && !json.Valid([]byte(e.Payload)) {
					return out, fmt.Errorf("record %s: edited payload is not valid JSON", e.ID)
				}
				var payload json.RawMessage
				if e.Payload != "" {
					payload = json.RawMessage(e.Payload)
				}
				if err := q.Amend(ctx, e.ID, payload); err != nil {
					return out, fmt.Errorf("failed to amend %s: %w", e.ID, err)
				}
			}
			if err := q.RetryDeadLetter(ctx, e.ID, time.Time{}); err != nil {
				return out, fmt.Errorf("failed to retry %s: %w", e.ID, err)
			}
			out.Retried++

		default:
			out.Skipped++
		}
	}
	return out, nil
}
