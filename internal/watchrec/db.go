// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package watchrec

import (
	"database/sql"
	"fmt"
	"time"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/recstore/internal/core"
)

var errNoRecords = fmt.Errorf("no previously written records")

// SqliteDB is a persistent DB backed by sqlite for storing record keys and
// creation times.
type SqliteDB struct {
	db *sql.DB

	// Prepared statements for operating on the 'records' table.
	putStmt, getByKeyStmt, delByCreationStmt, getDeletedStmt, delByKeyStmt, randStmt *sql.Stmt
}

// NewSqliteDB creates a SqliteDB backed by the file located at 'path'.
func NewSqliteDB(path string) (*SqliteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the db backed by %s: %s", path, err)
	}

	// A non-integer primary key can be null in sqlite unless it's declared
	// otherwise (see https://www.sqlite.org/lang_createtable.html#rowid).
	createStmt := "CREATE TABLE IF NOT EXISTS records (key TEXT NOT NULL PRIMARY KEY, creation INTEGER NOT NULL, deleted INTEGER)"
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records table: %s", err)
	}

	s := &SqliteDB{db: db}
	stmts := []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&s.putStmt, "INSERT INTO records (key, creation, deleted) VALUES (?, ?, 0)"},
		{&s.getByKeyStmt, "SELECT creation FROM records WHERE key=?"},
		{&s.delByCreationStmt, "UPDATE records SET deleted=1 WHERE creation<?"},
		{&s.getDeletedStmt, "SELECT key FROM records WHERE deleted=1"},
		{&s.delByKeyStmt, "DELETE FROM records WHERE key=? AND deleted=1"},
		{&s.randStmt, "SELECT key FROM records WHERE deleted=0 ORDER BY RANDOM() LIMIT 1"},
	}
	for _, st := range stmts {
		if *st.stmt, err = db.Prepare(st.query); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to prepare %q: %s", st.query, err)
		}
	}
	return s, nil
}

// Put stores a record key with its creation time.
func (s *SqliteDB) Put(key core.Key, creation time.Time) (err error) {
	if _, err = s.putStmt.Exec(key.String(), creation.UnixNano()); err != nil {
		log.Errorf("failed to insert (key=%s, creation=%s): %s", key.Short(), creation, err)
	}
	return err
}

// Get retrieves the creation time for the given record.
func (s *SqliteDB) Get(key core.Key) (creation time.Time, err error) {
	var t int64
	if err = s.getByKeyStmt.QueryRow(key.String()).Scan(&t); err != nil {
		log.Errorf("failed to get row for key=%s: %s", key.Short(), err)
		return
	}
	return time.Unix(0, t), nil
}

// DeleteIfExpires flags records with creation + lifetime < now for deletion
// and returns every flagged record.
//
// Flagged rows are only dropped by ConfirmDeletion, after the records are
// gone from the servers. A watcher that dies in between replays the removal
// from GetDeleted on restart, so no record is leaked while being removed.
// A record written to the servers but not yet logged here can still leak.
func (s *SqliteDB) DeleteIfExpires(lifetime time.Duration) ([]core.Key, error) {
	upper := time.Now().Add(-lifetime)
	if _, err := s.delByCreationStmt.Exec(upper.UnixNano()); err != nil {
		log.Errorf("failed to update rows for creation<%s: %s", upper, err)
		return nil, err
	}
	return s.GetDeleted()
}

// GetDeleted retrieves records that are flagged for deletion.
func (s *SqliteDB) GetDeleted() ([]core.Key, error) {
	rows, err := s.getDeletedStmt.Query()
	if err != nil {
		log.Errorf("failed to select rows flagged for deletion: %s", err)
		return nil, err
	}
	defer rows.Close()

	var keyStr string
	var keys []core.Key
	for rows.Next() {
		if err := rows.Scan(&keyStr); err != nil {
			return nil, err
		}
		key, err := core.ParseKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("bad key %q in db: %s", keyStr, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("error in iterating through rows: %s", err)
		return nil, err
	}
	return keys, nil
}

// Rand retrieves a random record that has not expired.
func (s *SqliteDB) Rand() (key core.Key, err error) {
	var keyStr string
	err = s.randStmt.QueryRow().Scan(&keyStr)
	if err == sql.ErrNoRows {
		return key, errNoRecords
	}
	if err != nil {
		log.Errorf("failed to get a random row: %s", err)
		return
	}
	return core.ParseKey(keyStr)
}

// ConfirmDeletion drops the rows of flagged records in 'keys'. All errors are
// logged and the last error is returned.
func (s *SqliteDB) ConfirmDeletion(keys []core.Key) (err error) {
	for _, key := range keys {
		if _, derr := s.delByKeyStmt.Exec(key.String()); derr != nil {
			log.Errorf("failed to drop row of %s: %s", key.Short(), derr)
			err = derr
		}
	}
	return
}

// Close closes the db. All errors will be logged and the last error is
// returned.
func (s *SqliteDB) Close() (err error) {
	for _, stmt := range []*sql.Stmt{s.putStmt, s.getByKeyStmt, s.delByCreationStmt, s.getDeletedStmt, s.delByKeyStmt, s.randStmt} {
		if stmt == nil {
			continue
		}
		if cerr := stmt.Close(); cerr != nil {
			err = cerr
			log.Errorf("failed to close statement: %s", err)
		}
	}
	if cerr := s.db.Close(); cerr != nil {
		err = cerr
		log.Errorf("failed to close db: %s", err)
	}
	return err
}
