package cache

import (
	"fmt"
	"strings"
	"time"
)

// Key uniquely addresses one cached object within a namespace.
type Key struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Validate checks that both parts of the key are present.
func (k Key) Validate() error {
	if k.Type == "" {
		return fmt.Errorf("key type is required")
	}
	if k.ID == "" {
		return fmt.Errorf("key id is required for type %q", k.Type)
	}
	return nil
}

// Generation identifies which agent run produced an entry.
// Seq increases monotonically per (namespace, agent).
type Generation struct {
	Seq       int64     `json:"seq"`
	WrittenAt time.Time `json:"written_at"`
	Agent     string    `json:"agent"`
}

// IsZero reports whether no generation has been recorded.
func (g Generation) IsZero() bool {
	return g.Seq == 0
}

// Newer reports whether g should win over other when both hold the same key.
func (g Generation) Newer(other Generation) bool {
	if !g.WrittenAt.Equal(other.WrittenAt) {
		return g.WrittenAt.After(other.WrittenAt)
	}
	if g.Seq != other.Seq {
		return g.Seq > other.Seq
	}
	return g.Agent > other.Agent
}

// Entry is one cached object.
// Attributes is an opaque mapping, serialized by outer layers.
type Entry struct {
	Key           Key            `json:"key"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Relationships []Key          `json:"relationships,omitempty"`
	Generation    Generation     `json:"generation"`
}

// Validate checks the entry's key and relationships.
func (e *Entry) Validate() error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	for i, rel := range e.Relationships {
		if err := rel.Validate(); err != nil {
			return fmt.Errorf("relationship %d of %s: %w", i, e.Key, err)
		}
	}
	return nil
}

// reservedChars may not appear in namespaces, agent ids or type names
// because they are either key separators or glob metacharacters.
const reservedChars = ":*?[]{}@ \t\r\n"

func indexable(s string) bool {
	return s != "" && !strings.ContainsAny(s, reservedChars)
}

// Types returns the distinct entry types in entries, in first-seen order.
func Types(entries []Entry) []string {
	seen := make(map[string]bool)
	var types []string
	for _, e := range entries {
		if !seen[e.Key.Type] {
			seen[e.Key.Type] = true
			types = append(types, e.Key.Type)
		}
	}
	return types
}
