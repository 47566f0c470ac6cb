// Package checkpoint persists named network parameters and buffers to SQLite.
//
// Each checkpoint stores every tensor a network exposes through Params as one
// gob+gzip blob alongside searchable metadata. Restoring copies values back
// into a freshly built network whose parameter names and shapes must match.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
	"github.com/banshee-data/sensorfusion/internal/version"
)

var (
	// ErrNotFound means no checkpoint has the requested id.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrParamMismatch means a checkpoint does not fit the target network.
	ErrParamMismatch = errors.New("checkpoint parameters do not match network")
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Checkpoint is the metadata row of a stored snapshot.
type Checkpoint struct {
	ID            string          `json:"checkpoint_id"`
	Name          string          `json:"name"`
	Network       string          `json:"network"`
	ExportVersion int             `json:"export_version"`
	NumParams     int             `json:"num_params"`
	NumValues     int             `json:"num_values"`
	SettingsJSON  json.RawMessage `json:"settings_json,omitempty"`
	CreatedAt     int64           `json:"created_at"`
}

// Created returns CreatedAt as a time.
func (c *Checkpoint) Created() time.Time { return time.Unix(0, c.CreatedAt) }

// Store is a checkpoint database.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. A nil clock uses the wall clock.
func Open(path string, clock timeutil.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Store{db: db, clock: clock}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save snapshots params under name. settings, when non-nil, is stored as
// JSON next to the blob so the network can be rebuilt before restoring.
func (s *Store) Save(name, network string, params []nn.Param, settings any) (*Checkpoint, error) {
	if err := checkUnique(params); err != nil {
		return nil, err
	}
	blob, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %q: %w", name, err)
	}
	var settingsJSON json.RawMessage
	if settings != nil {
		if settingsJSON, err = json.Marshal(settings); err != nil {
			return nil, fmt.Errorf("encode settings for checkpoint %q: %w", name, err)
		}
	}

	c := &Checkpoint{
		ID:            uuid.New().String(),
		Name:          name,
		Network:       network,
		ExportVersion: version.ModelExportVersion,
		NumParams:     len(params),
		SettingsJSON:  settingsJSON,
		CreatedAt:     s.clock.Now().UnixNano(),
	}
	for _, p := range params {
		c.NumValues += p.Value.Len()
	}

	var settingsStr interface{}
	if len(settingsJSON) > 0 {
		settingsStr = string(settingsJSON)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO checkpoints (
				checkpoint_id, name, network, export_version,
				num_params, num_values, settings_json, params_blob, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.Network, c.ExportVersion,
			c.NumParams, c.NumValues, settingsStr, blob, c.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint %q: %w", name, err)
	}
	monitoring.Logf("[Checkpoint] saved id=%s name=%s network=%s params=%d bytes=%d",
		c.ID, c.Name, c.Network, c.NumParams, len(blob))
	return c, nil
}

// List returns checkpoints newest first. An empty network lists all.
func (s *Store) List(network string) ([]*Checkpoint, error) {
	query := `
		SELECT checkpoint_id, name, network, export_version,
		       num_params, num_values, settings_json, created_at
		FROM checkpoints`
	var args []interface{}
	if network != "" {
		query += ` WHERE network = ?`
		args = append(args, network)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns the metadata of one checkpoint.
func (s *Store) Get(id string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT checkpoint_id, name, network, export_version,
		       num_params, num_values, settings_json, created_at
		FROM checkpoints
		WHERE checkpoint_id = ?`, id)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// Latest returns the newest checkpoint for network.
func (s *Store) Latest(network string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT checkpoint_id, name, network, export_version,
		       num_params, num_values, settings_json, created_at
		FROM checkpoints
		WHERE network = ?
		ORDER BY created_at DESC
		LIMIT 1`, network)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no checkpoint for network %s", ErrNotFound, network)
	}
	return c, err
}

// Load returns the metadata and decoded parameters of one checkpoint.
func (s *Store) Load(id string) (*Checkpoint, []nn.Param, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	var blob []byte
	if err := s.db.QueryRow(`SELECT params_blob FROM checkpoints WHERE checkpoint_id = ?`, id).Scan(&blob); err != nil {
		return nil, nil, fmt.Errorf("read checkpoint blob %s: %w", id, err)
	}
	params, err := decodeParams(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return c, params, nil
}

// Restore loads checkpoint id into dst, which must name exactly the same
// tensors with the same shapes. dst is untouched when anything mismatches.
func (s *Store) Restore(id string, dst []nn.Param) (*Checkpoint, error) {
	c, saved, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if err := Apply(saved, dst); err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	monitoring.Verbosef("[Checkpoint] restored id=%s into %d tensors", id, len(dst))
	return c, nil
}

// Delete removes a checkpoint.
func (s *Store) Delete(id string) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`DELETE FROM checkpoints WHERE checkpoint_id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Apply copies saved values into dst by name. All names and shapes are
// checked before any value is written.
func Apply(saved, dst []nn.Param) error {
	if err := checkUnique(dst); err != nil {
		return err
	}
	byName := make(map[string]nn.Param, len(saved))
	for _, p := range saved {
		byName[p.Name] = p
	}
	if len(byName) != len(dst) {
		return fmt.Errorf("%w: checkpoint has %d tensors, network has %d", ErrParamMismatch, len(byName), len(dst))
	}
	for _, d := range dst {
		src, ok := byName[d.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrParamMismatch, d.Name)
		}
		if !sameShape(src.Value.Shape(), d.Value.Shape()) {
			return fmt.Errorf("%w: %s has shape %v, network expects %v",
				ErrParamMismatch, d.Name, src.Value.Shape(), d.Value.Shape())
		}
	}
	for _, d := range dst {
		copy(d.Value.Data(), byName[d.Name].Value.Data())
	}
	return nil
}

func checkUnique(params []nn.Param) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate tensor name %s", ErrParamMismatch, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var c Checkpoint
	var settings sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.Network, &c.ExportVersion,
		&c.NumParams, &c.NumValues, &settings, &c.CreatedAt); err != nil {
		return nil, err
	}
	if settings.Valid {
		c.SettingsJSON = json.RawMessage(settings.String)
	}
	return &c, nil
}

const (
	busyRetries = 5
	busyBackoff = 20 * time.Millisecond
)

// retryOnBusy retries fn while SQLite reports the database as locked.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(busyBackoff * time.Duration(attempt+1))
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
