package envelope

import (
	"time"
)

// Envelope is the canonical, validated record the producer delivers. Its
// serialized form is a single NDJSON line; field names match the warehouse
// VARIANT mapping, including the _LOAD_ID lineage column.
type Envelope struct {
	ID              string     `json:"id,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	Title           string     `json:"title,omitempty"`
	PublicationYear int        `json:"publication_year,omitempty"`
	HostVenue       string     `json:"host_venue,omitempty"`
	PrimaryAuthor   string     `json:"primary_author,omitempty"`
	Email           string     `json:"email,omitempty"`
	EventTS         *time.Time `json:"event_ts,omitempty"`
	IngestTS        time.Time  `json:"ingest_ts"`
	Source          string     `json:"source"`
	LoadID          string     `json:"_LOAD_ID"`

	// data is the serialized NDJSON line, fixed at build time so the batch
	// buffer and dispatcher account for the exact bytes that go on the wire.
	data []byte
}

// Data returns the serialized NDJSON line for this envelope.
func (e *Envelope) Data() []byte { return e.data }

// Size returns the serialized size in bytes, newline included.
func (e *Envelope) Size() int { return len(e.data) }
