package recovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recovery_records (
	subject_id      TEXT PRIMARY KEY,
	name_hash       BLOB NOT NULL,
	document_hash   BLOB NOT NULL,
	dob_hash        BLOB,
	key_hash        BLOB NOT NULL,
	escrowed_key    BLOB NOT NULL,
	salt            BLOB NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

const selectRecord = `SELECT subject_id, name_hash, document_hash, dob_hash, key_hash,
	escrowed_key, salt, attempt_count, last_attempt_at, created_at, updated_at
	FROM recovery_records WHERE subject_id = ?`

const upsertRecord = `INSERT OR REPLACE INTO recovery_records
	(subject_id, name_hash, document_hash, dob_hash, key_hash, escrowed_key, salt,
	 attempt_count, last_attempt_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteStore keeps records in a WAL-mode SQLite database. Update runs
// inside BEGIN IMMEDIATE, which takes the write lock before the read.
type SQLiteStore struct {
	pool *sqlitex.Pool
}

func OpenSQLiteStore(path string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("recovery: sqlite path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "recovery: opening %s", path)
	}
	return &SQLiteStore{pool: pool}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return errors.Wrap(err, p)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "recovery: taking connection")
	}
	defer s.pool.Put(conn)
	return writeRecord(conn, r)
}

func (s *SQLiteStore) Get(ctx context.Context, subjectID string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, errors.Wrap(err, "recovery: taking connection")
	}
	defer s.pool.Put(conn)
	return readRecord(conn, subjectID)
}

func (s *SQLiteStore) Update(ctx context.Context, subjectID string, fn func(*Record) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "recovery: taking connection")
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.Wrap(err, "recovery: begin transaction")
	}
	defer endTransaction(&err)

	r, err := readRecord(conn, subjectID)
	if err != nil {
		return err
	}
	if err := fn(&r); err != nil {
		return err
	}
	return writeRecord(conn, r)
}

func readRecord(conn *sqlite.Conn, subjectID string) (Record, error) {
	var r Record
	found := false
	err := sqlitex.Execute(conn, selectRecord, &sqlitex.ExecOptions{
		Args: []any{subjectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			r.SubjectID = stmt.ColumnText(0)
			r.NameHash = columnBlob(stmt, 1)
			r.DocumentHash = columnBlob(stmt, 2)
			if !stmt.ColumnIsNull(3) {
				r.DOBHash = columnBlob(stmt, 3)
			}
			r.KeyHash = columnBlob(stmt, 4)
			r.EscrowedKey = columnBlob(stmt, 5)
			r.Salt = columnBlob(stmt, 6)
			r.AttemptCount = stmt.ColumnInt(7)
			r.LastAttemptAt = fromUnixNano(stmt.ColumnInt64(8))
			r.CreatedAt = fromUnixNano(stmt.ColumnInt64(9))
			r.UpdatedAt = fromUnixNano(stmt.ColumnInt64(10))
			return nil
		},
	})
	if err != nil {
		return Record{}, errors.Wrap(err, "recovery: reading record")
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func writeRecord(conn *sqlite.Conn, r Record) error {
	var dob any
	if len(r.DOBHash) > 0 {
		dob = r.DOBHash
	}
	err := sqlitex.Execute(conn, upsertRecord, &sqlitex.ExecOptions{
		Args: []any{
			r.SubjectID,
			r.NameHash,
			r.DocumentHash,
			dob,
			r.KeyHash,
			r.EscrowedKey,
			r.Salt,
			r.AttemptCount,
			toUnixNano(r.LastAttemptAt),
			toUnixNano(r.CreatedAt),
			toUnixNano(r.UpdatedAt),
		},
	})
	return errors.Wrap(err, "recovery: writing record")
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	b := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, b)
	return b
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
