// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage is the per-log append-only record store: one
// modernc.org/sqlite database per log, sharded into subdirectories by
// the first byte of the binary log name, schema modeled on the
// original daemon's single hash-keyed table with recno/timestamp
// indices.
package storage

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/gdp-project/gdp/internal/gdperr"
)

const (
	applicationID = 0x67647000 // "gdp\0", stamped in the header row
	schemaVersion = 1
)

// Record is the on-disk row shape: the columns of the original
// logd_sqlite schema (hash primary key, recno/timestamp/accuracy,
// prev-hash, payload, signature).
type Record struct {
	Hash     []byte
	Recno    int64
	Sec      int64
	Nsec     int32
	Accuracy float32
	PrevHash []byte
	Payload  []byte
	Sig      []byte
}

// Stats summarizes a log's storage footprint.
type Stats struct {
	NRecs int64
	Bytes int64
}

// Engine manages on-disk log databases rooted at Dir.
type Engine struct {
	Dir      string
	FileMode os.FileMode

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewEngine returns an Engine rooted at dir with the given file mode
// for newly created log databases.
func NewEngine(dir string, mode os.FileMode) *Engine {
	if mode == 0 {
		mode = 0o640
	}
	return &Engine{Dir: dir, FileMode: mode, handles: map[string]*Handle{}}
}

// Handle is a per-log storage handle: one open database connection
// and the prepared statements used against it. Handles are not shared
// across logs and are not safe for concurrent use by more than one
// appender at a time; readers may iterate concurrently with a writer
// thanks to SQLite's own locking, bounded additionally by mu.
type Handle struct {
	name string
	db   *sql.DB
	mu   sync.RWMutex

	insertStmt     *sql.Stmt
	byRecnoStmt    *sql.Stmt
	byHashStmt     *sql.Stmt
	sinceTimeStmt  *sql.Stmt
	existsStmt     *sql.Stmt
}

func (e *Engine) pathFor(name [32]byte) string {
	hexName := hex.EncodeToString(name[:])
	shard := hexName[:2]
	printable := base64.RawURLEncoding.EncodeToString(name[:])
	return filepath.Join(e.Dir, shard, printable+".sqlite")
}

// Create makes a new log database, failing with a Conflict-flavored
// status if one already exists at name's path. The metadata block is
// stored as the recno=0 row.
func (e *Engine) Create(name [32]byte, serializedMetadata []byte) (*Handle, error) {
	path := e.pathFor(name)
	if _, err := os.Stat(path); err == nil {
		return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, 409, errors.Errorf("log already exists at %s", path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailPhysioError, err)
	}

	h, err := e.openOrCreate(path, true)
	if err != nil {
		return nil, err
	}
	if err := h.appendRaw(Record{Hash: recnoZeroHash(name), Recno: 0, Payload: serializedMetadata}); err != nil {
		h.Close()
		return nil, err
	}
	if e.FileMode != 0 {
		_ = os.Chmod(path, e.FileMode)
	}

	e.mu.Lock()
	e.handles[string(name[:])] = h
	e.mu.Unlock()
	h.name = hex.EncodeToString(name[:])
	return h, nil
}

// Open opens an existing log database, failing with NotFound if
// absent.
func (e *Engine) Open(name [32]byte) (*Handle, error) {
	path := e.pathFor(name)
	if _, err := os.Stat(path); err != nil {
		return nil, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailNotFound, err)
	}
	h, err := e.openOrCreate(path, false)
	if err != nil {
		return nil, err
	}
	h.name = hex.EncodeToString(name[:])

	e.mu.Lock()
	e.handles[string(name[:])] = h
	e.mu.Unlock()
	return h, nil
}

func (e *Engine) openOrCreate(path string, create bool) (*Handle, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	db.SetMaxOpenConns(1)

	if create {
		if _, err := db.Exec(schemaDDL); err != nil {
			db.Close()
			return nil, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA application_id = %d", applicationID)); err != nil {
			db.Close()
			return nil, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			db.Close()
			return nil, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
		}
	} else {
		if err := checkStamps(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	h := &Handle{db: db}
	if err := h.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func checkStamps(db *sql.DB) error {
	var appID, version int64
	if err := db.QueryRow("PRAGMA application_id").Scan(&appID); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if appID != applicationID {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailCorruptLog,
			errors.Errorf("application_id %d does not match %d", appID, applicationID))
	}
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if version != schemaVersion {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailLogVersionMismatch,
			errors.Errorf("schema version %d does not match %d", version, schemaVersion))
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS log_entry (
	hash      BLOB PRIMARY KEY ON CONFLICT IGNORE,
	recno     INTEGER NOT NULL,
	sec       INTEGER NOT NULL,
	nsec      INTEGER NOT NULL,
	accuracy  REAL NOT NULL,
	prevhash  BLOB,
	payload   BLOB,
	sig       BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS recno_index ON log_entry(recno);
CREATE INDEX IF NOT EXISTS timestamp_index ON log_entry(sec, nsec);
`

func (h *Handle) prepare() error {
	var err error
	if h.insertStmt, err = h.db.Prepare(`INSERT OR IGNORE INTO log_entry
		(hash, recno, sec, nsec, accuracy, prevhash, payload, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if h.byRecnoStmt, err = h.db.Prepare(`SELECT hash, recno, sec, nsec, accuracy, prevhash, payload, sig
		FROM log_entry WHERE recno >= ? ORDER BY recno ASC LIMIT ?`); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if h.byHashStmt, err = h.db.Prepare(`SELECT hash, recno, sec, nsec, accuracy, prevhash, payload, sig
		FROM log_entry WHERE hash = ?`); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if h.sinceTimeStmt, err = h.db.Prepare(`SELECT hash, recno, sec, nsec, accuracy, prevhash, payload, sig
		FROM log_entry WHERE sec >= ? ORDER BY sec ASC, nsec ASC, recno ASC LIMIT ?`); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if h.existsStmt, err = h.db.Prepare(`SELECT 1 FROM log_entry WHERE recno = ?`); err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	return nil
}

// Close releases the handle's prepared statements and connection. It
// is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return nil
	}
	db := h.db
	h.db = nil
	return db.Close()
}

// Append inserts datum's row under a writer-exclusive lock. A
// duplicate hash is silently ignored, giving idempotent retry
// semantics; callers distinguish "already present" from "newly
// written" via RowsAffected.
func (h *Handle) Append(r Record) (inserted bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return false, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailLogNotOpen, errors.New("handle is closed"))
	}
	res, err := h.insertStmt.Exec(r.Hash, r.Recno, r.Sec, r.Nsec, r.Accuracy, r.PrevHash, r.Payload, r.Sig)
	if err != nil {
		return false, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	return n > 0, nil
}

// appendRaw is Append without the read lock dance, used only while
// creating the recno=0 metadata row before the handle is published.
func (h *Handle) appendRaw(r Record) error {
	_, err := h.insertStmt.Exec(r.Hash, r.Recno, r.Sec, r.Nsec, r.Accuracy, r.PrevHash, r.Payload, r.Sig)
	if err != nil {
		return gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	return nil
}

// ReadByRecno invokes cb for each of up to maxRecs records starting at
// start, in ascending recno order. maxRecs == 0 means "read exactly
// one record at start".
func (h *Handle) ReadByRecno(start int64, maxRecs int64, cb func(Record) error) (count int64, err error) {
	limit := maxRecs
	if limit == 0 {
		limit = 1
	}
	h.mu.RLock()
	rows, err := h.byRecnoStmt.Query(start, limit)
	h.mu.RUnlock()
	if err != nil {
		return 0, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Hash, &r.Recno, &r.Sec, &r.Nsec, &r.Accuracy, &r.PrevHash, &r.Payload, &r.Sig); err != nil {
			return count, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
		}
		if err := cb(r); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	if count == 0 {
		return 0, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailNotFound, errors.Errorf("no record at or after recno %d", start))
	}
	return count, nil
}

// ReadByTimestamp is ReadByRecno ordered by commit time instead of
// recno; ties are broken ascending by recno.
func (h *Handle) ReadByTimestamp(sinceSec int64, maxRecs int64, cb func(Record) error) (count int64, err error) {
	limit := maxRecs
	if limit == 0 {
		limit = 1
	}
	h.mu.RLock()
	rows, err := h.sinceTimeStmt.Query(sinceSec, limit)
	h.mu.RUnlock()
	if err != nil {
		return 0, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Hash, &r.Recno, &r.Sec, &r.Nsec, &r.Accuracy, &r.PrevHash, &r.Payload, &r.Sig); err != nil {
			return count, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
		}
		if err := cb(r); err != nil {
			return count, err
		}
		count++
	}
	if count == 0 {
		return 0, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailNotFound, errors.New("no record at or after timestamp"))
	}
	return count, nil
}

// ReadByHash returns at most one matching record.
func (h *Handle) ReadByHash(hash []byte) (Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var r Record
	err := h.byHashStmt.QueryRow(hash).Scan(&r.Hash, &r.Recno, &r.Sec, &r.Nsec, &r.Accuracy, &r.PrevHash, &r.Payload, &r.Sig)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, gdperr.New(gdperr.ERROR, gdperr.ModuleStorage, gdperr.DetailNotFound, err)
	}
	if err != nil {
		return Record{}, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	return r, nil
}

// RecnoExists reports whether recno has a committed row.
func (h *Handle) RecnoExists(recno int64) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var one int
	err := h.existsStmt.QueryRow(recno).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	return true, nil
}

// GetMetadata returns the recno=0 row's payload, the serialized
// metadata block.
func (h *Handle) GetMetadata() ([]byte, error) {
	var md []byte
	err := h.ReadByRecnoOnce(0, func(r Record) error {
		md = r.Payload
		return nil
	})
	return md, err
}

// ReadByRecnoOnce reads exactly one record at recno.
func (h *Handle) ReadByRecnoOnce(recno int64, cb func(Record) error) error {
	_, err := h.ReadByRecno(recno, 0, cb)
	return err
}

// Stats reports the current record count and approximate page-backed
// size of the log's database file.
func (h *Handle) Stats() (Stats, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var nrecs int64
	if err := h.db.QueryRow("SELECT COUNT(*) FROM log_entry WHERE recno > 0").Scan(&nrecs); err != nil {
		return Stats{}, gdperr.New(gdperr.SEVERE, gdperr.ModuleStorage, gdperr.DetailSqliteError, err)
	}
	var pageCount, pageSize int64
	_ = h.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	_ = h.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	return Stats{NRecs: nrecs, Bytes: pageCount * pageSize}, nil
}

// Remove deletes all files backing name's log.
func (e *Engine) Remove(name [32]byte) error {
	e.mu.Lock()
	if h, ok := e.handles[string(name[:])]; ok {
		h.Close()
		delete(e.handles, string(name[:]))
	}
	e.mu.Unlock()

	path := e.pathFor(name)
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
	return nil
}

// Foreach enumerates all locally hosted log names by walking the
// sharded directory tree.
func (e *Engine) Foreach(cb func(printableName string) error) error {
	return filepath.WalkDir(e.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".sqlite" {
			return nil
		}
		base := filepath.Base(path)
		name := base[:len(base)-len(".sqlite")]
		return cb(name)
	})
}

func recnoZeroHash(name [32]byte) []byte {
	// the recno=0 row's key is simply the log name itself: it is
	// unique per log and never collides with a content hash, which is
	// always the digest of a signed datum.
	out := make([]byte, 32)
	copy(out, name[:])
	return out
}
