package cache

import "fmt"

// Redis key pattern helpers
//
// Key pattern: burrow:{namespace}:{entity}:...

// DataKey returns the key of one immutable generation of an agent's entries
// for a type.
// Pattern: burrow:{ns}:data:{agent}:{type}:{seq}
func DataKey(namespace, agentID, typ string, seq int64) string {
	return fmt.Sprintf("burrow:%s:data:%s:%s:%d", namespace, agentID, typ, seq)
}

// CurrentKey returns the key of the agent -> current seq hash for a type.
// Pattern: burrow:{ns}:current:{type}
func CurrentKey(namespace, typ string) string {
	return fmt.Sprintf("burrow:%s:current:%s", namespace, typ)
}

// ManifestKey returns the key of the agent's type -> generation manifest.
// Pattern: burrow:{ns}:manifest:{agent}
func ManifestKey(namespace, agentID string) string {
	return fmt.Sprintf("burrow:%s:manifest:%s", namespace, agentID)
}

// SeqKey returns the key of the agent's generation counter.
// Pattern: burrow:{ns}:seq:{agent}
func SeqKey(namespace, agentID string) string {
	return fmt.Sprintf("burrow:%s:seq:%s", namespace, agentID)
}

// runField is the manifest field recording the agent's most recent run,
// including runs that emitted no entries. '@' cannot occur in a type name.
const runField = "@run"
