// Package remote is the reference delivery backend: collection handlers that
// push mutations into a libsql database, either a hosted primary or an
// embedded replica that syncs to one.
//
// Payloads stay opaque to the queue; this package only requires that each
// document carries an "id" field to key upserts and deletes by.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tursodatabase/go-libsql"

	"github.com/regattalab/driftsync/internal/registry"
)

// Config holds the backend connection settings.
type Config struct {
	// URL is the database URL: libsql://name-org.turso.io for a hosted
	// primary, or file:path for a plain local database.
	URL string

	// AuthToken authenticates against a hosted primary.
	AuthToken string

	// LocalPath, when set together with a libsql URL, opens an embedded
	// replica at this path that syncs to the primary. Creating the
	// replica needs the primary reachable once; plain URLs connect
	// lazily.
	LocalPath string

	// SyncInterval is how often the embedded replica syncs. Zero leaves
	// the driver default.
	SyncInterval time.Duration

	// Logger for backend activity
	Logger *log.Logger
}

// Backend holds the database connection the collection handlers write to.
type Backend struct {
	db        *sql.DB
	connector *libsql.Connector // nil outside embedded replica mode
	logger    *log.Logger
}

// Open prepares the backend connection. Plain URLs are not dialed until the
// first delivery, so an offline station can still start its queue.
func Open(config *Config) (*Backend, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	b := &Backend{logger: logger}

	if config.LocalPath != "" {
		opts := []libsql.Option{}
		if config.AuthToken != "" {
			opts = append(opts, libsql.WithAuthToken(config.AuthToken))
		}
		if config.SyncInterval > 0 {
			opts = append(opts, libsql.WithSyncInterval(config.SyncInterval))
		}

		connector, err := libsql.NewEmbeddedReplicaConnector(config.LocalPath, config.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded replica: %w", err)
		}
		b.connector = connector
		b.db = sql.OpenDB(connector)
		logger.Printf("Opened embedded replica at %s", config.LocalPath)
	} else {
		db, err := sql.Open("libsql", connURL(config.URL, config.AuthToken))
		if err != nil {
			return nil, fmt.Errorf("failed to open backend database: %w", err)
		}
		b.db = db
	}

	return b, nil
}

// connURL folds the auth token into a remote URL. Local file URLs pass
// through untouched.
func connURL(url, token string) string {
	if token == "" || strings.HasPrefix(url, "file:") {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "authToken=" + token
}

// Ping checks that the backend is reachable right now.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	return nil
}

// Close releases the connection and, in replica mode, the connector.
func (b *Backend) Close() error {
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return fmt.Errorf("failed to close backend database: %w", err)
		}
		b.db = nil
	}
	if b.connector != nil {
		if err := b.connector.Close(); err != nil {
			return fmt.Errorf("failed to close replica connector: %w", err)
		}
		b.connector = nil
	}
	return nil
}

// Sync forces an embedded replica to pull from the primary. A no-op outside
// replica mode.
func (b *Backend) Sync() error {
	if b.connector == nil {
		return nil
	}
	if _, err := b.connector.Sync(); err != nil {
		return fmt.Errorf("failed to sync replica: %w", err)
	}
	return nil
}

// EnsureSchema creates the document table for every manifest collection.
// Idempotent.
func (b *Backend) EnsureSchema(ctx context.Context, m *Manifest) error {
	for _, name := range m.Names() {
		table := m.Collections[name].Table
		if _, err := b.db.ExecContext(ctx, schemaSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	return nil
}

// Handlers returns the delivery pair for one collection. The handlers are
// idempotent: upserts are last-write-wins and deleting a missing document is
// not an error, so redeliveries after a crash settle cleanly.
func (b *Backend) Handlers(c Collection) registry.Handlers {
	return registry.Handlers{
		Upsert: func(ctx context.Context, payload []byte) error {
			id, err := docID(payload, c.Key)
			if err != nil {
				return err
			}
			now := time.Now().UTC().Format(time.RFC3339Nano)
			if _, err := b.db.ExecContext(ctx, upsertSQL(c.Table), id, string(payload), now); err != nil {
				return fmt.Errorf("failed to upsert %s into %s: %w", id, c.Table, err)
			}
			return nil
		},
		Delete: func(ctx context.Context, payload []byte) error {
			id, err := docID(payload, c.Key)
			if err != nil {
				return err
			}
			if _, err := b.db.ExecContext(ctx, deleteSQL(c.Table), id); err != nil {
				return fmt.Errorf("failed to delete %s from %s: %w", id, c.Table, err)
			}
			return nil
		},
	}
}

// docID pulls the document ID out of a mutation payload. A payload missing
// its key field can never be delivered; the error is permanent by nature and
// the record will exhaust its retries.
func docID(payload []byte, key string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("payload does not decode: %w", err)
	}
	raw, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("payload has no %s field", key)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("payload %s field is not a string: %w", key, err)
	}
	if id == "" {
		return "", fmt.Errorf("payload %s field is empty", key)
	}
	return id, nil
}

// schemaSQL returns the CREATE TABLE statement for a document table. Table
// names pass through manifest validation before they reach here.
func schemaSQL(table string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, table)
}

func upsertSQL(table string) string {
	return fmt.Sprintf(`
	INSERT INTO %s (id, doc, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		doc = excluded.doc,
		updated_at = excluded.updated_at`, table)
}

func deleteSQL(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
}
