// Package padstore implements the Pad Store: durable pad metadata and
// last-saved scene data via SQLite, authoritative across process
// restarts.
package padstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/padloom/padloom/internal/coreerr"
	"github.com/padloom/padloom/pkg/pad"
)

// Store wraps a SQLite connection holding durable pad records.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite database at uri and runs
// pending migrations.
func New(uri string) (*Store, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load retrieves a pad by id, returning coreerr.ErrNotFound if absent.
func (s *Store) Load(padID string) (pad.Pad, error) {
	var (
		p                  pad.Pad
		sharing, whitelist string
		scene              string
		createdAt, updatedAt int64
	)

	err := s.db.QueryRow(
		`SELECT id, owner_id, display_name, sharing, whitelist, scene, created_at, updated_at
		 FROM pad WHERE id = ?`, padID,
	).Scan(&p.ID, &p.OwnerID, &p.DisplayName, &sharing, &whitelist, &scene, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return pad.Pad{}, coreerr.ErrNotFound
	}
	if err != nil {
		return pad.Pad{}, fmt.Errorf("%w: %v", coreerr.ErrStoreUnavailable, err)
	}

	p.Sharing = pad.SharingPolicy(sharing)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	var wl []string
	if err := json.Unmarshal([]byte(whitelist), &wl); err != nil {
		return pad.Pad{}, fmt.Errorf("decode whitelist: %w", err)
	}
	p.Whitelist = make(map[string]struct{}, len(wl))
	for _, u := range wl {
		p.Whitelist[u] = struct{}{}
	}

	if err := json.Unmarshal([]byte(scene), &p.Scene); err != nil {
		return pad.Pad{}, fmt.Errorf("decode scene: %w", err)
	}
	return p, nil
}

// Save persists p durably (INSERT or UPDATE); it must be durable on
// return, which SQLite's default synchronous commit gives us.
func (s *Store) Save(p pad.Pad) error {
	wl := make([]string, 0, len(p.Whitelist))
	for u := range p.Whitelist {
		wl = append(wl, u)
	}
	whitelistJSON, err := json.Marshal(wl)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}
	sceneJSON, err := json.Marshal(p.Scene)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}

	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.Exec(`
		INSERT INTO pad (id, owner_id, display_name, sharing, whitelist, scene, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			display_name = excluded.display_name,
			sharing = excluded.sharing,
			whitelist = excluded.whitelist,
			scene = excluded.scene,
			updated_at = excluded.updated_at
	`, p.ID, p.OwnerID, p.DisplayName, string(p.Sharing), string(whitelistJSON), string(sceneJSON),
		createdAt.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes a pad's durable record.
func (s *Store) Delete(padID string) error {
	if _, err := s.db.Exec("DELETE FROM pad WHERE id = ?", padID); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStoreUnavailable, err)
	}
	return nil
}

// Count returns the total number of durable pad rows.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pad").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", coreerr.ErrStoreUnavailable, err)
	}
	return n, nil
}
