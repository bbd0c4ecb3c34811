package backend

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mlsvault/internal/crypto"
	"mlsvault/migrate"
	"mlsvault/storekey"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
)

const (
	// MemoryPath selects a private in-memory database instead of a file.
	MemoryPath = ":memory:"

	schemaVersionMetaKey = "schema_version"
	storeIDMetaKey       = "store_id"
	keyCheckMetaKey      = "key_check"

	// keyCheckStorageKey is the pseudo storage key the key-check entry is
	// encrypted under. It cannot collide with composite keys, which always
	// start with a non-zero label length byte.
	keyCheckStorageKey = "\x00mlsvault/key-check"
)

// SQLSchemaVersion is the schema version a freshly migrated SQLite store
// lands on.
const SQLSchemaVersion = 2

// SQLOptions configure opening a SQLite-backed store.
type SQLOptions struct {
	// Path is the database file, or MemoryPath for an ephemeral store.
	Path string

	// Key is the 32-byte root store key. Open takes ownership and wipes
	// it regardless of outcome.
	Key []byte

	Logger *slog.Logger
}

// SQLBackend stores entries in a single SQLite table, one encrypted blob
// per composite key, with every mutation inside a transaction.
type SQLBackend struct {
	db     *sql.DB
	path   string
	crypto *crypto.EntryCrypto
	logger *slog.Logger
	closed atomic.Bool
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQL opens or creates the database at opts.Path, verifies the key
// against the store's key-check entry, and migrates the schema to
// SQLSchemaVersion before returning.
func OpenSQL(opts SQLOptions) (*SQLBackend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Open walks Closed -> Opening -> Validating -> Migrating -> Open;
	// any failure lands in Failed with the phase it was in.
	phase := migrate.PhaseClosed
	fail := func(err error) (*SQLBackend, error) {
		crypto.Wipe(opts.Key)
		failedIn := phase
		phase = migrate.PhaseFailed
		logger.Error("store open failed", "path", opts.Path, "phase", phase.String(), "during", failedIn.String())
		return nil, &OpenError{Path: opts.Path, Phase: failedIn, Err: err}
	}

	phase = migrate.PhaseOpening
	if opts.Path == "" {
		return fail(errors.New("empty database path"))
	}

	dsn := opts.Path
	memory := opts.Path == MemoryPath
	if memory {
		// A pooled :memory: DSN would give every connection its own
		// database; a named shared-cache DSN keeps one store per open.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return fail(fmt.Errorf("create parent dir: %w", err))
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fail(err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
	}

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return fail(err)
	}
	if err := ensureMetaTables(db); err != nil {
		_ = db.Close()
		return fail(err)
	}

	storeID, err := ensureStoreID(db)
	if err != nil {
		_ = db.Close()
		return fail(err)
	}

	ec, err := crypto.NewEntryCrypto(opts.Key, storeID)
	if err != nil {
		_ = db.Close()
		return fail(err)
	}

	phase = migrate.PhaseValidating
	if err := verifyKeyCheck(db, ec); err != nil {
		ec.Destroy()
		_ = db.Close()
		return fail(err)
	}

	phase = migrate.PhaseMigrating
	if err := runSQLMigrations(db, logger, SQLSchemaVersion, sqlSteps()); err != nil {
		ec.Destroy()
		_ = db.Close()
		return fail(err)
	}

	if !memory {
		phase = migrate.PhaseOpening
		if err := ensureDBPermissions(opts.Path); err != nil {
			ec.Destroy()
			_ = db.Close()
			return fail(err)
		}
	}

	phase = migrate.PhaseOpen
	logger.Debug("store open", "path", opts.Path, "phase", phase.String(), "schema_version", SQLSchemaVersion)
	return &SQLBackend{db: db, path: opts.Path, crypto: ec, logger: logger}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configure sqlite %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureMetaTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO store_meta(key, value) VALUES('` + schemaVersionMetaKey + `', '0')`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure meta tables: %w", err)
		}
	}
	return nil
}

func ensureStoreID(db *sql.DB) (string, error) {
	if _, err := db.Exec(`INSERT OR IGNORE INTO store_meta(key, value) VALUES(?, ?)`, storeIDMetaKey, uuid.NewString()); err != nil {
		return "", fmt.Errorf("seed store id: %w", err)
	}
	var id string
	if err := db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, storeIDMetaKey).Scan(&id); err != nil {
		return "", fmt.Errorf("read store id: %w", err)
	}
	return id, nil
}

// verifyKeyCheck proves the supplied key matches the store. A fresh store
// gets a key-check entry; an existing one must decrypt it.
func verifyKeyCheck(db *sql.DB, ec *crypto.EntryCrypto) error {
	var stored string
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, keyCheckMetaKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		blob, err := ec.EncryptEntry([]byte(keyCheckStorageKey), []byte(crypto.KeyCheckPlaintext))
		if err != nil {
			return fmt.Errorf("seal key check: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO store_meta(key, value) VALUES(?, ?)`, keyCheckMetaKey, hex.EncodeToString(blob)); err != nil {
			return fmt.Errorf("write key check: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read key check: %w", err)
	}

	blob, err := hex.DecodeString(stored)
	if err != nil {
		return fmt.Errorf("decode key check: %w", err)
	}
	plain, err := ec.DecryptEntry([]byte(keyCheckStorageKey), blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	if string(plain) != crypto.KeyCheckPlaintext {
		return ErrWrongKey
	}
	return nil
}

// sqlSteps is the SQLite migration history. Steps run in order inside a
// transaction each, with the version bump committed alongside the step's
// changes.
func sqlSteps() []migrate.Step[*sql.Tx] {
	return []migrate.Step[*sql.Tx]{
		{
			From:        0,
			To:          1,
			Kind:        migrate.KindDDL,
			Description: "create entries table and group index",
			Apply: func(tx *sql.Tx) error {
				statements := []string{
					`CREATE TABLE IF NOT EXISTS mls_entries (
						key BLOB PRIMARY KEY,
						value BLOB NOT NULL,
						label TEXT NOT NULL,
						group_id BLOB
					)`,
					`CREATE INDEX IF NOT EXISTS idx_mls_entries_group ON mls_entries(group_id)`,
				}
				for _, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			From:        1,
			To:          2,
			Kind:        migrate.KindDataTransform,
			Description: "add scope column and backfill from group association",
			Apply: func(tx *sql.Tx) error {
				exists, err := columnExists(tx, "mls_entries", "scope")
				if err != nil {
					return err
				}
				if !exists {
					if _, err := tx.Exec(`ALTER TABLE mls_entries ADD COLUMN scope TEXT`); err != nil {
						return err
					}
				}
				_, err = tx.Exec(`UPDATE mls_entries SET scope = CASE WHEN group_id IS NULL THEN 'global' ELSE 'group' END WHERE scope IS NULL`)
				return err
			},
		},
	}
}

func runSQLMigrations(db *sql.DB, logger *slog.Logger, latest int, steps []migrate.Step[*sql.Tx]) error {
	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}

	plan, err := migrate.Plan(current, latest, steps)
	if err != nil {
		return err
	}

	for _, step := range plan {
		tx, err := db.Begin()
		if err != nil {
			return &migrate.StepError{From: step.From, To: step.To, Err: err}
		}

		if err := step.Apply(tx); err != nil {
			_ = tx.Rollback()
			return &migrate.StepError{From: step.From, To: step.To, Err: fmt.Errorf("%s: %w", step.Description, err)}
		}

		if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			step.To, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return &migrate.StepError{From: step.From, To: step.To, Err: fmt.Errorf("record migration: %w", err)}
		}

		if _, err := tx.Exec(`INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`,
			schemaVersionMetaKey, strconv.Itoa(step.To)); err != nil {
			_ = tx.Rollback()
			return &migrate.StepError{From: step.From, To: step.To, Err: fmt.Errorf("update schema version: %w", err)}
		}

		if err := tx.Commit(); err != nil {
			return &migrate.StepError{From: step.From, To: step.To, Err: fmt.Errorf("commit: %w", err)}
		}

		logger.Info("schema migrated", "from", step.From, "to", step.To, "kind", step.Kind, "description", step.Description)
	}
	return nil
}

func readSchemaVersion(db *sql.DB) (int, error) {
	var versionStr string
	if err := db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&versionStr); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionStr, err)
	}
	return version, nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, fmt.Errorf("query table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dfltVal sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dfltVal, &pk); err != nil {
			return false, fmt.Errorf("scan table info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	return false, nil
}

func ensureDBPermissions(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Chmod(p, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions: %w", err)
		}
	}
	return nil
}

func (b *SQLBackend) scope(rec Record) (label, scope string, err error) {
	label, ok := storekey.ParseLabel(rec.Key)
	if !ok {
		return "", "", fmt.Errorf("malformed composite key (%d bytes)", len(rec.Key))
	}
	if rec.GroupID == nil {
		return label, "global", nil
	}
	return label, "group", nil
}

// Get implements Backend.
func (b *SQLBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var blob []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM mls_entries WHERE key = ?`, key).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("get entry: %w", err)
	}

	plain, err := b.crypto.DecryptEntry(key, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt entry: %w", err)
	}
	return plain, nil
}

// Put implements Backend.
func (b *SQLBackend) Put(ctx context.Context, rec Record) error {
	if b.closed.Load() {
		return ErrClosed
	}

	label, scope, err := b.scope(rec)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	blob, err := b.crypto.EncryptEntry(rec.Key, rec.Value)
	if err != nil {
		return fmt.Errorf("encrypt entry: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mls_entries(key, value, label, group_id, scope) VALUES(?, ?, ?, ?, ?)`,
		rec.Key, blob, label, rec.GroupID, scope)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *SQLBackend) Delete(ctx context.Context, key []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM mls_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Apply implements Backend. Values are encrypted before the transaction
// begins so the transaction body is write-only.
func (b *SQLBackend) Apply(ctx context.Context, updates Updates) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if updates.Empty() {
		return nil
	}

	type sealed struct {
		key     []byte
		blob    []byte
		label   string
		groupID []byte
		scope   string
	}
	rows := make([]sealed, 0, len(updates.Upserts))
	for _, rec := range updates.Upserts {
		label, scope, err := b.scope(rec)
		if err != nil {
			return fmt.Errorf("apply updates: %w", err)
		}
		blob, err := b.crypto.EncryptEntry(rec.Key, rec.Value)
		if err != nil {
			return fmt.Errorf("apply updates: encrypt: %w", err)
		}
		rows = append(rows, sealed{key: rec.Key, blob: blob, label: label, groupID: rec.GroupID, scope: scope})
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply updates: begin: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO mls_entries(key, value, label, group_id, scope) VALUES(?, ?, ?, ?, ?)`,
			row.key, row.blob, row.label, row.groupID, row.scope); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply updates: upsert: %w", err)
		}
	}
	for _, key := range updates.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mls_entries WHERE key = ?`, key); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply updates: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply updates: commit: %w", err)
	}
	return nil
}

// ListGroup implements Backend.
func (b *SQLBackend) ListGroup(ctx context.Context, groupID []byte) ([]Entry, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM mls_entries WHERE group_id = ? OR group_id IS NULL ORDER BY key`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var key, blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scan group entry: %w", err)
		}
		plain, err := b.crypto.DecryptEntry(key, blob)
		if err != nil {
			return nil, fmt.Errorf("decrypt group entry: %w", err)
		}
		out = append(out, Entry{Key: key, Value: plain})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group entries: %w", err)
	}
	return out, nil
}

// DeleteGroup implements Backend.
func (b *SQLBackend) DeleteGroup(ctx context.Context, groupID []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM mls_entries WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group entries: %w", err)
	}
	return nil
}

// CountByLabel implements Backend.
func (b *SQLBackend) CountByLabel(ctx context.Context) (map[string]int, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, `SELECT label, COUNT(*) FROM mls_entries GROUP BY label`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan entry count: %w", err)
		}
		out[label] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry counts: %w", err)
	}
	return out, nil
}

// SchemaVersion implements Backend.
func (b *SQLBackend) SchemaVersion(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	var versionStr string
	if err := b.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&versionStr); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionStr, err)
	}
	return version, nil
}

// Close implements Backend. Close is idempotent.
func (b *SQLBackend) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.crypto.Destroy()
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
