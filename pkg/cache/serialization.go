package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Serialization helpers for converting entries to and from their Redis form.
//
// Each entry is stored as one JSON document under its identifier inside the
// generation hash. Manifest fields are "seq:writtenAtMs" strings so that
// eviction can work from the manifest alone.

type entryRecord struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Relationships []Key          `json:"relationships,omitempty"`
	Seq           int64          `json:"seq"`
	WrittenAtMs   int64          `json:"written_at_ms"`
	Agent         string         `json:"agent"`
}

// EncodeEntry converts an entry into its stored JSON form.
func EncodeEntry(e *Entry) (string, error) {
	rec := entryRecord{
		Type:          e.Key.Type,
		ID:            e.Key.ID,
		Attributes:    e.Attributes,
		Relationships: e.Relationships,
		Seq:           e.Generation.Seq,
		WrittenAtMs:   e.Generation.WrittenAt.UnixMilli(),
		Agent:         e.Generation.Agent,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry %s: %w", e.Key, err)
	}
	return string(data), nil
}

// DecodeEntry converts a stored JSON document back into an Entry.
func DecodeEntry(data string) (*Entry, error) {
	var rec entryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &Entry{
		Key:           Key{Type: rec.Type, ID: rec.ID},
		Attributes:    rec.Attributes,
		Relationships: rec.Relationships,
		Generation: Generation{
			Seq:       rec.Seq,
			WrittenAt: time.UnixMilli(rec.WrittenAtMs).UTC(),
			Agent:     rec.Agent,
		},
	}, nil
}

func formatManifestField(g Generation) string {
	return fmt.Sprintf("%d:%d", g.Seq, g.WrittenAt.UnixMilli())
}

func parseManifestField(agentID, value string) (Generation, error) {
	seqStr, msStr, ok := strings.Cut(value, ":")
	if !ok {
		return Generation{}, fmt.Errorf("malformed manifest value %q", value)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return Generation{}, fmt.Errorf("invalid manifest seq %q: %w", seqStr, err)
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return Generation{}, fmt.Errorf("invalid manifest timestamp %q: %w", msStr, err)
	}
	return Generation{Seq: seq, WrittenAt: time.UnixMilli(ms).UTC(), Agent: agentID}, nil
}
