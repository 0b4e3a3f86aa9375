package remote

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"
)

// identRe is the shape every table and key name must have. Table names are
// spliced into SQL, so nothing looser is accepted.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Manifest maps queue collections to backend document tables. It is loaded
// from a collections.toml file:
//
//	[collections.races]
//	table = "race_events"
//	key = "id"
//
// Both table (backend table name, defaults to the collection name) and key
// (payload field holding the document ID, defaults to "id") are optional.
type Manifest struct {
	Collections map[string]Collection `toml:"collections"`
}

// Collection holds the backend mapping for one collection.
type Collection struct {
	Table string `toml:"table"`
	Key   string `toml:"key"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate fills in defaults and rejects names that cannot be used as SQL
// identifiers or JSON field names.
func (m *Manifest) Validate() error {
	if len(m.Collections) == 0 {
		return fmt.Errorf("manifest defines no collections")
	}

	for name, c := range m.Collections {
		if !identRe.MatchString(name) {
			return fmt.Errorf("collection name %q is not a valid identifier", name)
		}
		if c.Table == "" {
			c.Table = name
		}
		if !identRe.MatchString(c.Table) {
			return fmt.Errorf("table name %q for collection %s is not a valid identifier", c.Table, name)
		}
		if c.Key == "" {
			c.Key = "id"
		}
		if !identRe.MatchString(c.Key) {
			return fmt.Errorf("key name %q for collection %s is not a valid identifier", c.Key, name)
		}
		m.Collections[name] = c
	}

	return nil
}

// Names returns the collection names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Collections))
	for name := range m.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
