// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package watchrec

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/recstore/internal/core"
	test "github.com/westerndigitalcorporation/recstore/pkg/testutil"
)

// Create a SqliteDB backed by a file in a temporary directory for testing.
func getTestDB(t *testing.T) *SqliteDB {
	db, err := NewSqliteDB(filepath.Join(test.NewTempDir(t), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func testKey(i int) core.Key {
	return core.KeyFromName(fmt.Sprintf("rec-%d", i))
}

// Test basic put & get operations.
func TestPutGet(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	now := time.Now()
	recCnt := 10

	for i := 0; i < recCnt; i++ {
		if err := db.Put(testKey(i), now.Add(time.Duration(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < recCnt; i++ {
		then, err := db.Get(testKey(i))
		if err != nil {
			t.Fatal(err)
		}
		if exp := now.Add(time.Duration(i)); !exp.Equal(then) {
			t.Fatalf("mismatched time: exp %s and got %s", exp, then)
		}
	}

	// The same key can't be logged twice.
	if err := db.Put(testKey(0), now); err == nil {
		t.Fatalf("duplicated put should have failed")
	}
}

// Test delete-if-expires operation.
func TestDeleteIfExpires(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	now := time.Now()
	lifetime := time.Minute

	oldOne, newOne := testKey(0), testKey(1)
	if err := db.Put(oldOne, now.Add(-2*lifetime)); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(newOne, now); err != nil {
		t.Fatal(err)
	}

	keys, err := db.DeleteIfExpires(lifetime)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != oldOne {
		t.Fatalf("the old record should have been flagged for deletion")
	}

	// Flagged records are never picked for reads.
	for i := 0; i < 10; i++ {
		if key, err := db.Rand(); err != nil || key != newOne {
			t.Fatalf("expected the new record, got %s %v", key.Short(), err)
		}
	}

	// Flagged records stay until the deletion is confirmed.
	if keys, err = db.GetDeleted(); err != nil || len(keys) != 1 {
		t.Fatalf("expected one flagged record, got %d %v", len(keys), err)
	}
	if err := db.ConfirmDeletion(keys); err != nil {
		t.Fatal(err)
	}
	if keys, err = db.GetDeleted(); err != nil || len(keys) != 0 {
		t.Fatalf("expected no flagged records, got %d %v", len(keys), err)
	}
	if _, err := db.Get(oldOne); err == nil {
		t.Fatalf("the old record should be gone")
	}
}

// Test confirming deletion of a record that is not flagged.
func TestConfirmUnflagged(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	if err := db.Put(testKey(0), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmDeletion([]core.Key{testKey(0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Get(testKey(0)); err != nil {
		t.Fatalf("an unflagged record should stay: %s", err)
	}
}

// Test Rand on an empty table.
func TestRandEmpty(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	if _, err := db.Rand(); err != errNoRecords {
		t.Fatalf("expected errNoRecords, got %v", err)
	}
}

// The table survives reopening.
func TestReopen(t *testing.T) {
	path := filepath.Join(test.NewTempDir(t), "test.db")
	db, err := NewSqliteDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(testKey(3), time.Now()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if db, err = NewSqliteDB(path); err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if key, err := db.Rand(); err != nil || key != testKey(3) {
		t.Fatalf("expected the logged record, got %s %v", key.Short(), err)
	}
}
