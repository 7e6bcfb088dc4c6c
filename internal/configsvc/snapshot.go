// Package configsvc resolves a tenant+user's skill and connector
// configuration from the external configuration service, and caches the
// result with change detection so the controller can skip redundant
// injection into the sandbox.
package configsvc

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// Skill is one skill definition with its resolved content.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

// Connector is one connector binding for the agent.
type Connector struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// Snapshot is an immutable view of a tenant+user's configuration at fetch
// time. A newer snapshot supersedes it; it is never mutated in place.
type Snapshot struct {
	TenantID   string
	UserID     string
	Skills     []Skill
	Connectors []Connector
	FetchedAt  time.Time
}

// Empty reports whether the snapshot carries no configuration. Fetch
// failures degrade to an empty snapshot rather than failing the request.
func (s *Snapshot) Empty() bool {
	return len(s.Skills) == 0 && len(s.Connectors) == 0
}

// Hash returns a deterministic fingerprint of the snapshot's skills and
// connectors. Two snapshots with the same skill name/content pairs and the
// same connector list hash equal regardless of ordering. The hash is a
// change-detection fingerprint, not a collision-resistant digest.
func (s *Snapshot) Hash() string {
	skills := make([]Skill, len(s.Skills))
	copy(skills, s.Skills)
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	connectors := make([]Connector, len(s.Connectors))
	copy(connectors, s.Connectors)
	sort.Slice(connectors, func(i, j int) bool { return connectors[i].Name < connectors[j].Name })

	h := fnv.New64a()
	for _, sk := range skills {
		fmt.Fprintf(h, "skill\x00%s\x00%s\x00", sk.Name, sk.Content)
	}
	for _, c := range connectors {
		fmt.Fprintf(h, "connector\x00%s\x00%s\x00%s\x00", c.Name, c.Type, canonicalConfig(c.Config))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalConfig renders a connector config map with sorted keys so map
// iteration order cannot leak into the hash.
func canonicalConfig(cfg map[string]string) string {
	if len(cfg) == 0 {
		return ""
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, cfg[k]})
	}
	b, _ := json.Marshal(ordered)
	return string(b)
}
