// Package state manages the SQLite database that holds locally recorded
// tree-planting inventories and their upload progress.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/treemapper/treesync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS inventories (
    id               TEXT    PRIMARY KEY,
    tree_type        TEXT    NOT NULL,
    capture_mode     TEXT    NOT NULL,
    status           TEXT    NOT NULL DEFAULT 'incomplete',
    species_name     TEXT    NOT NULL DEFAULT '',
    remote_response  BLOB,
    plantation_date  TEXT    NOT NULL DEFAULT '',
    created_at       TEXT    NOT NULL DEFAULT '',
    updated_at       TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_inventories_status ON inventories (status);

CREATE TABLE IF NOT EXISTS inventory_species (
    inventory_id TEXT    NOT NULL REFERENCES inventories (id) ON DELETE CASCADE,
    position     INTEGER NOT NULL,
    name         TEXT    NOT NULL,
    tree_count   INTEGER NOT NULL,
    PRIMARY KEY (inventory_id, position)
);

CREATE TABLE IF NOT EXISTS inventory_coordinates (
    id             TEXT    PRIMARY KEY,
    inventory_id   TEXT    NOT NULL REFERENCES inventories (id) ON DELETE CASCADE,
    coord_index    INTEGER NOT NULL,
    latitude       REAL    NOT NULL,
    longitude      REAL    NOT NULL,
    image_url      TEXT    NOT NULL DEFAULT '',
    image_uploaded INTEGER NOT NULL DEFAULT 0,
    cdn_image_url  TEXT    NOT NULL DEFAULT '',
    UNIQUE (inventory_id, coord_index)
);

CREATE TABLE IF NOT EXISTS run_lease (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    holder     TEXT    NOT NULL DEFAULT '',
    expires_at INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO run_lease (id) VALUES (1);
`

// ErrNotFound is returned by updates that target a missing inventory or
// coordinate.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed inventory repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the inventory database:
// ~/.local/share/treesync/inventory.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "treesync", "inventory.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// CreateInventory stores a new record with its species and coordinates in one
// transaction. Missing inventory and coordinate IDs are assigned here; an
// empty status defaults to incomplete.
func (s *Store) CreateInventory(ctx context.Context, inv *model.Inventory) error {
	return s.CreateInventories(ctx, []*model.Inventory{inv})
}

// CreateInventories stores several records in one transaction: either all
// of them are stored or none is.
func (s *Store) CreateInventories(ctx context.Context, invs []*model.Inventory) error {
	for _, inv := range invs {
		if err := s.prepareInventory(inv); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, inv := range invs {
			if err := insertInventory(ctx, tx, inv); err != nil {
				return err
			}
		}
		return nil
	})
}

// prepareInventory assigns the ID, default status and timestamps.
func (s *Store) prepareInventory(inv *model.Inventory) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = model.StatusIncomplete
	}
	if !inv.Status.Valid() {
		return fmt.Errorf("creating inventory %s: unknown status %q", inv.ID, inv.Status)
	}
	now := s.now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	return nil
}

func insertInventory(ctx context.Context, tx *sql.Tx, inv *model.Inventory) error {
	const qInv = `
		INSERT INTO inventories
		    (id, tree_type, capture_mode, status, species_name,
		     remote_response, plantation_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, qInv,
		inv.ID,
		string(inv.TreeType),
		string(inv.CaptureMode),
		string(inv.Status),
		inv.SpeciesName,
		nullBytes(inv.RemoteResponse),
		formatTime(inv.PlantationDate),
		formatTime(inv.CreatedAt),
		formatTime(inv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting inventory %s: %w", inv.ID, err)
	}

	const qSpecies = `
		INSERT INTO inventory_species (inventory_id, position, name, tree_count)
		VALUES (?, ?, ?, ?)`
	for i, sp := range inv.Species {
		if _, err := tx.ExecContext(ctx, qSpecies, inv.ID, i, sp.Name, sp.TreeCount); err != nil {
			return fmt.Errorf("inserting species %q for %s: %w", sp.Name, inv.ID, err)
		}
	}

	const qCoord = `
		INSERT INTO inventory_coordinates
		    (id, inventory_id, coord_index, latitude, longitude,
		     image_url, image_uploaded, cdn_image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for i := range inv.Coordinates {
		c := &inv.Coordinates[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, qCoord,
			c.ID, inv.ID, c.Index, c.Latitude, c.Longitude,
			c.ImageURL, c.ImageUploaded, c.CDNImageURL,
		)
		if err != nil {
			return fmt.Errorf("inserting coordinate %d for %s: %w", c.Index, inv.ID, err)
		}
	}
	return nil
}

// GetInventory returns the record with the given ID, or (nil, nil) if no such
// record exists.
func (s *Store) GetInventory(ctx context.Context, id string) (*model.Inventory, error) {
	const q = `
		SELECT id, tree_type, capture_mode, status, species_name,
		       remote_response, plantation_date, created_at, updated_at
		FROM inventories WHERE id = ?`
	inv, err := scanInventory(s.db.QueryRowContext(ctx, q, id))
	if err != nil || inv == nil {
		return inv, err
	}
	if err := s.loadChildren(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// ListByStatus returns every record in one of the given statuses, in
// insertion order.
func (s *Store) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Inventory, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `
		SELECT id, tree_type, capture_mode, status, species_name,
		       remote_response, plantation_date, created_at, updated_at
		FROM inventories
		WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inventories by status: %w", err)
	}

	var items []*model.Inventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, inv)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating inventories: %w", err)
	}

	// Children are loaded after the cursor is closed: the pool has a single
	// connection.
	for _, inv := range items {
		if err := s.loadChildren(ctx, inv); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// UpdateStatus sets the status of one record.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	const q = `UPDATE inventories SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	return expectRow(res, "inventory", id)
}

// UpdateStatusAndResponse sets the status and the stored remote response of
// one record in a single statement.
func (s *Store) UpdateStatusAndResponse(ctx context.Context, id string, status model.Status, response []byte) error {
	const q = `UPDATE inventories SET status = ?, remote_response = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), nullBytes(response), formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating status and response of %s: %w", id, err)
	}
	return expectRow(res, "inventory", id)
}

// MarkImageUploaded flags a coordinate's image as confirmed by the server
// and records the server's copy of it. An empty cdnImageURL keeps the stored
// one. Marking an already flagged coordinate is a no-op.
func (s *Store) MarkImageUploaded(ctx context.Context, inventoryID, coordinateID, cdnImageURL string) error {
	const q = `
		UPDATE inventory_coordinates
		SET image_uploaded = 1,
		    cdn_image_url  = CASE WHEN ? = '' THEN cdn_image_url ELSE ? END
		WHERE inventory_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, q, cdnImageURL, cdnImageURL, inventoryID, coordinateID)
	if err != nil {
		return fmt.Errorf("marking image of %s/%s uploaded: %w", inventoryID, coordinateID, err)
	}
	return expectRow(res, "coordinate", coordinateID)
}

// UpdatePlantationDate changes the user-chosen plantation date.
func (s *Store) UpdatePlantationDate(ctx context.Context, id string, date time.Time) error {
	const q = `UPDATE inventories SET plantation_date = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, formatTime(date), formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating plantation date of %s: %w", id, err)
	}
	return expectRow(res, "inventory", id)
}

// DeleteInventory removes a record together with its species and coordinates.
func (s *Store) DeleteInventory(ctx context.Context, id string) error {
	const q = `DELETE FROM inventories WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("deleting inventory %s: %w", id, err)
	}
	return expectRow(res, "inventory", id)
}

// DeleteByStatus removes every record in the given status and returns how many
// were deleted.
func (s *Store) DeleteByStatus(ctx context.Context, status model.Status) (int64, error) {
	const q = `DELETE FROM inventories WHERE status = ?`
	res, err := s.db.ExecContext(ctx, q, string(status))
	if err != nil {
		return 0, fmt.Errorf("deleting %s inventories: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted inventories: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of records per status. Statuses with no
// records are absent from the map.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	const q = `SELECT status, COUNT(*) FROM inventories GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting inventories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// AcquireRunLease claims the single sync-run lease for holder until ttl
// elapses. It reports false when another holder owns an unexpired lease.
// Re-acquiring by the same holder extends the lease.
func (s *Store) AcquireRunLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	const q = `
		UPDATE run_lease SET holder = ?, expires_at = ?
		WHERE id = 1 AND (holder = '' OR holder = ? OR expires_at < ?)`
	res, err := s.db.ExecContext(ctx, q, holder, now.Add(ttl).UnixNano(), holder, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquiring run lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring run lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseRunLease gives up the lease if holder still owns it.
func (s *Store) ReleaseRunLease(ctx context.Context, holder string) error {
	const q = `UPDATE run_lease SET holder = '', expires_at = 0 WHERE id = 1 AND holder = ?`
	if _, err := s.db.ExecContext(ctx, q, holder); err != nil {
		return fmt.Errorf("releasing run lease: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// loadChildren fills in the species and coordinates of inv.
func (s *Store) loadChildren(ctx context.Context, inv *model.Inventory) error {
	const qSpecies = `
		SELECT name, tree_count FROM inventory_species
		WHERE inventory_id = ? ORDER BY position`
	rows, err := s.db.QueryContext(ctx, qSpecies, inv.ID)
	if err != nil {
		return fmt.Errorf("querying species of %s: %w", inv.ID, err)
	}
	for rows.Next() {
		var sp model.Species
		if err := rows.Scan(&sp.Name, &sp.TreeCount); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning species of %s: %w", inv.ID, err)
		}
		inv.Species = append(inv.Species, sp)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return fmt.Errorf("iterating species of %s: %w", inv.ID, err)
	}

	const qCoords = `
		SELECT id, coord_index, latitude, longitude, image_url, image_uploaded, cdn_image_url
		FROM inventory_coordinates
		WHERE inventory_id = ? ORDER BY coord_index`
	rows, err = s.db.QueryContext(ctx, qCoords, inv.ID)
	if err != nil {
		return fmt.Errorf("querying coordinates of %s: %w", inv.ID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var c model.Coordinate
		if err := rows.Scan(&c.ID, &c.Index, &c.Latitude, &c.Longitude,
			&c.ImageURL, &c.ImageUploaded, &c.CDNImageURL); err != nil {
			return fmt.Errorf("scanning coordinate of %s: %w", inv.ID, err)
		}
		inv.Coordinates = append(inv.Coordinates, c)
	}
	return rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows so scanInventory can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanInventory(s scanner) (*model.Inventory, error) {
	var inv model.Inventory
	var treeType, captureMode, status, plantDate, createdAt, updatedAt string
	var response []byte

	err := s.Scan(
		&inv.ID,
		&treeType,
		&captureMode,
		&status,
		&inv.SpeciesName,
		&response,
		&plantDate,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning inventory row: %w", err)
	}

	inv.TreeType = model.TreeType(treeType)
	inv.CaptureMode = model.CaptureMode(captureMode)
	inv.Status, err = model.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", inv.ID, err)
	}
	if len(response) > 0 {
		inv.RemoteResponse = response
	}
	inv.PlantationDate, _ = parseTime(plantDate)
	inv.CreatedAt, _ = parseTime(createdAt)
	inv.UpdatedAt, _ = parseTime(updatedAt)

	return &inv, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
