// Package index implements the durable per-folder FileIndex: the table of
// every path the orchestrator knows about and what it knows about it.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS all_files (
    path TEXT PRIMARY KEY,
    size INTEGER,
    hash TEXT,
    modified TEXT,   -- RFC3339Nano, UTC
    uploaded TEXT,   -- RFC3339Nano, UTC
    cloud_only INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_all_files_uploaded ON all_files(uploaded);
CREATE INDEX IF NOT EXISTS idx_all_files_cloud_only ON all_files(cloud_only);
`

// Entry is one FileIndex row. Nil pointers model the ABSENT fields: a row may
// be known only from the cloud side (no Modified/Size), or soft-deleted (no
// Hash/Modified/Size but Uploaded retained).
type Entry struct {
	Path      string
	Hash      *string
	Modified  *time.Time
	Size      *int64
	Uploaded  *time.Time
	CloudOnly bool
}

type dbEntry struct {
	Path      string         `db:"path"`
	Size      sql.NullInt64  `db:"size"`
	Hash      sql.NullString `db:"hash"`
	Modified  sql.NullString `db:"modified"`
	Uploaded  sql.NullString `db:"uploaded"`
	CloudOnly bool           `db:"cloud_only"`
}

// Store is the FileIndex of a single folder.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

func Open(dbPath string) (*Store, error) {
	db, err := openSqlite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open file index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize file index schema: %w", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

// Get returns the entry for path, or nil when absent.
func (s *Store) Get(path string) (*Entry, error) {
	var row dbEntry
	err := s.db.Get(&row, "SELECT * FROM all_files WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query path %s: %w", path, err)
	}
	return row.toEntry()
}

// GetAll returns a snapshot of every row, keyed by path.
func (s *Store) GetAll() (map[string]*Entry, error) {
	var rows []dbEntry
	if err := s.db.Select(&rows, "SELECT * FROM all_files ORDER BY path"); err != nil {
		return nil, fmt.Errorf("query all files: %w", err)
	}
	entries := make(map[string]*Entry, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries[e.Path] = e
	}
	return entries, nil
}

// Count returns the number of rows.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM all_files"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Upsert inserts or replaces the given entries in a single transaction.
func (s *Store) Upsert(entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		const query = `INSERT OR REPLACE INTO all_files (path, size, hash, modified, uploaded, cloud_only)
		               VALUES (:path, :size, :hash, :modified, :uploaded, :cloud_only)`
		for _, e := range entries {
			if e.Path == "" {
				return errors.New("entry without path")
			}
			if _, err := tx.NamedExec(query, e.toRow()); err != nil {
				return fmt.Errorf("upsert %s: %w", e.Path, err)
			}
		}
		return nil
	})
}

// ClearBytes soft-deletes the given paths: hash, modified and size become
// absent while the row (and its uploaded stamp) survives until the global
// deletion is confirmed.
func (s *Store) ClearBytes(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In("UPDATE all_files SET hash = NULL, modified = NULL, size = NULL WHERE path IN (?)", paths)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("clear bytes: %w", err)
		}
		return nil
	})
}

// ClearBytesUnderPrefix soft-deletes every row equal to or under any of the
// given prefixes. Cloud-only rows are untouched: their bytes live in the
// cloud and a local disappearance says nothing about them.
func (s *Store) ClearBytesUnderPrefix(prefixes []string) error {
	if len(prefixes) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		for _, prefix := range prefixes {
			const query = `UPDATE all_files SET hash = NULL, modified = NULL, size = NULL
			               WHERE (path = ? OR path LIKE ? ESCAPE '\') AND cloud_only = 0`
			if _, err := tx.Exec(query, prefix, escapeLike(prefix)+"/%"); err != nil {
				return fmt.Errorf("clear bytes under %s: %w", prefix, err)
			}
		}
		return nil
	})
}

// MarkUploaded records a dispatched upload by copying each row's modified
// stamp into uploaded. Rows whose bytes are already gone are skipped.
func (s *Store) MarkUploaded(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In("UPDATE all_files SET uploaded = modified WHERE path IN (?) AND modified IS NOT NULL", paths)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("mark uploaded: %w", err)
		}
		return nil
	})
}

// Erase removes the given rows entirely.
func (s *Store) Erase(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In("DELETE FROM all_files WHERE path IN (?)", paths)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
		return nil
	})
}

// EraseUnderPrefix removes every row equal to or under any of the given
// prefixes ("under p" means startswith p+"/"). Cloud-only rows are kept
// unless includeCloudOnly is set.
func (s *Store) EraseUnderPrefix(prefixes []string, includeCloudOnly bool) error {
	if len(prefixes) == 0 {
		return nil
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		for _, prefix := range prefixes {
			query := "DELETE FROM all_files WHERE (path = ? OR path LIKE ? ESCAPE '\\')"
			if !includeCloudOnly {
				query += " AND cloud_only = 0"
			}
			if _, err := tx.Exec(query, prefix, escapeLike(prefix)+"/%"); err != nil {
				return fmt.Errorf("erase under %s: %w", prefix, err)
			}
		}
		return nil
	})
}

// Filter describes a Select query. Nil pointer fields are not constrained.
type Filter struct {
	Prefix      string
	PathRegex   string
	HasUploaded *bool
	HasSize     *bool
	HasHash     *bool
	CloudOnly   *bool
}

// Select returns the entries matching every set predicate, ordered by path.
func (s *Store) Select(f Filter) ([]*Entry, error) {
	query := "SELECT * FROM all_files WHERE 1=1"
	var args []any
	if f.Prefix != "" {
		query += " AND (path = ? OR path LIKE ? ESCAPE '\\')"
		args = append(args, f.Prefix, escapeLike(f.Prefix)+"/%")
	}
	if f.HasUploaded != nil {
		query += nullPredicate("uploaded", *f.HasUploaded)
	}
	if f.HasSize != nil {
		query += nullPredicate("size", *f.HasSize)
	}
	if f.HasHash != nil {
		query += nullPredicate("hash", *f.HasHash)
	}
	if f.CloudOnly != nil {
		if *f.CloudOnly {
			query += " AND cloud_only = 1"
		} else {
			query += " AND cloud_only = 0"
		}
	}
	query += " ORDER BY path"

	var rows []dbEntry
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}

	var re *regexp.Regexp
	if f.PathRegex != "" {
		var err error
		re, err = regexp.Compile(f.PathRegex)
		if err != nil {
			return nil, fmt.Errorf("compile path regex: %w", err)
		}
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		if re != nil && !re.MatchString(row.Path) {
			continue
		}
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullPredicate(column string, present bool) string {
	if present {
		return " AND " + column + " IS NOT NULL"
	}
	return " AND " + column + " IS NULL"
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

func (r dbEntry) toEntry() (*Entry, error) {
	e := &Entry{Path: r.Path, CloudOnly: r.CloudOnly}
	if r.Hash.Valid {
		h := r.Hash.String
		e.Hash = &h
	}
	if r.Size.Valid {
		n := r.Size.Int64
		e.Size = &n
	}
	var err error
	if e.Modified, err = parseDBTime(r.Modified); err != nil {
		return nil, fmt.Errorf("row %s: modified: %w", r.Path, err)
	}
	if e.Uploaded, err = parseDBTime(r.Uploaded); err != nil {
		return nil, fmt.Errorf("row %s: uploaded: %w", r.Path, err)
	}
	return e, nil
}

func (e *Entry) toRow() dbEntry {
	row := dbEntry{Path: e.Path, CloudOnly: e.CloudOnly}
	if e.Hash != nil {
		row.Hash = sql.NullString{String: *e.Hash, Valid: true}
	}
	if e.Size != nil {
		row.Size = sql.NullInt64{Int64: *e.Size, Valid: true}
	}
	row.Modified = formatDBTime(e.Modified)
	row.Uploaded = formatDBTime(e.Uploaded)
	return row
}

func parseDBTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func formatDBTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
