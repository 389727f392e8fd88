package envelope

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/openalex"
)

// Validation errors. Records failing validation are counted and skipped;
// they never abort a run.
var (
	ErrMissingIdentifier = errors.New("work has no identifier")
	ErrOversizedRecord   = errors.New("serialized record exceeds the single-record byte limit")
)

// BuilderConfig holds configuration for the envelope builder.
type BuilderConfig struct {
	SourceTag string
	// MaxRecordBytes bounds the serialized envelope size. Oversized records
	// fail validation rather than being truncated.
	MaxRecordBytes int
	// SyntheticEmailDomain is used when a work carries no contact address.
	SyntheticEmailDomain string
}

// Builder converts raw OpenAlex works into validated envelopes. It is the
// single chokepoint where untyped source JSON becomes typed producer data.
type Builder struct {
	cfg    BuilderConfig
	clock  func() time.Time
	logger zerolog.Logger
}

// NewBuilder returns a Builder. A nil clock defaults to time.Now.
func NewBuilder(cfg BuilderConfig, clock func() time.Time, logger zerolog.Logger) (*Builder, error) {
	if cfg.SourceTag == "" {
		return nil, errors.New("source tag cannot be empty")
	}
	if cfg.MaxRecordBytes <= 0 {
		return nil, errors.New("max record bytes must be positive")
	}
	if cfg.SyntheticEmailDomain == "" {
		cfg.SyntheticEmailDomain = "example.com"
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "EnvelopeBuilder").Logger(),
	}, nil
}

// Build validates and normalizes one work into a sealed envelope.
//
// A missing identifier or an oversized serialized form fails the record. A
// malformed source timestamp does not: event_ts is left null and ingestion
// proceeds, since downstream latency reporting must not drop otherwise-valid
// records.
func (b *Builder) Build(w *openalex.Work) (*Envelope, error) {
	if w.ID == "" {
		return nil, ErrMissingIdentifier
	}

	ingestTS := b.clock().UTC()
	env := &Envelope{
		ID:              w.ID,
		DOI:             w.DOI,
		Title:           w.Title,
		PublicationYear: w.PublicationYear,
		PrimaryAuthor:   w.PrimaryAuthor(),
		Email:           w.Email,
		EventTS:         b.parseEventTS(w, ingestTS),
		IngestTS:        ingestTS,
		Source:          b.cfg.SourceTag,
		LoadID:          uuid.New().String(),
	}
	if w.HostVenue != nil {
		env.HostVenue = w.HostVenue.DisplayName
	}
	if env.Email == "" {
		env.Email = syntheticEmail(env.PrimaryAuthor, b.cfg.SyntheticEmailDomain)
	}

	line, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serializing envelope for %s: %w", w.ID, err)
	}
	env.data = append(line, '\n')

	if env.Size() > b.cfg.MaxRecordBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes (id %s)", ErrOversizedRecord, env.Size(), b.cfg.MaxRecordBytes, w.ID)
	}
	return env, nil
}

// parseEventTS extracts the origin timestamp from the work's updated_date,
// falling back to created_date. Parse failures yield nil, never an error.
// The result never exceeds ingestTS: a future-dated source value (clock skew,
// bad upstream data) is clamped so event_ts stays nil or ≤ ingest_ts.
func (b *Builder) parseEventTS(w *openalex.Work, ingestTS time.Time) *time.Time {
	for _, raw := range []string{w.UpdatedDate, w.CreatedDate} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				utc := ts.UTC()
				if utc.After(ingestTS) {
					b.logger.Debug().Str("work_id", w.ID).Str("value", raw).Msg("Future-dated source timestamp, clamping event_ts to ingest time.")
					utc = ingestTS
				}
				return &utc
			}
		}
		b.logger.Debug().Str("work_id", w.ID).Str("value", raw).Msg("Unparseable source timestamp, leaving event_ts null.")
	}
	return nil
}

// syntheticEmail derives a deterministic placeholder contact address from an
// author name, so records without one still carry a stable lineage key.
func syntheticEmail(name, domain string) string {
	if name == "" {
		name = "unknown"
	}
	sum := sha1.Sum([]byte(name))
	return fmt.Sprintf("user_%x@%s", sum[:5], domain)
}
