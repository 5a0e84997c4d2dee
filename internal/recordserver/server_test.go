// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package recordserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/recstore/client/recstore"
	"github.com/westerndigitalcorporation/recstore/internal/blobstore"
	"github.com/westerndigitalcorporation/recstore/internal/core"
	"github.com/westerndigitalcorporation/recstore/internal/record"
	test "github.com/westerndigitalcorporation/recstore/pkg/testutil"
)

var BG = context.Background()

// testCluster runs one record server per group, all in this process.
type testCluster struct {
	servers   map[core.GroupID]*Server
	listeners []net.Listener
	cli       *recstore.Client
}

func newTestCluster(t *testing.T, groups ...core.GroupID) *testCluster {
	return newTestClusterConfig(t, nil, groups...)
}

// newTestClusterConfig lets 'adjust' change the config of every server.
func newTestClusterConfig(t *testing.T, adjust func(*Config), groups ...core.GroupID) *testCluster {
	peers := test.GroupAddrs(groups...)

	tc := &testCluster{servers: make(map[core.GroupID]*Server)}
	for _, g := range groups {
		cfg := DefaultTestConfig
		cfg.Addr = peers[g]
		cfg.Dir = test.NewTempDir(t)
		cfg.Group = g
		cfg.Peers = peers
		if adjust != nil {
			adjust(&cfg)
		}

		s, err := NewServer(&cfg)
		if err != nil {
			t.Fatalf("failed to create server for group %s: %s", g, err)
		}
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			t.Fatalf("failed to listen on %s: %s", cfg.Addr, err)
		}
		go s.Start(l)
		tc.servers[g] = s
		tc.listeners = append(tc.listeners, l)
	}
	tc.cli = recstore.NewClient(recstore.Options{Groups: peers, DisableRetry: true})
	return tc
}

func (tc *testCluster) close() {
	tc.cli.Close()
	for _, l := range tc.listeners {
		l.Close()
	}
	for _, s := range tc.servers {
		s.Close()
	}
}

func testKey(n byte) core.Key {
	var k core.Key
	k[0] = n
	return k
}

func writeReq(key core.Key, sec uint64, json, data []byte) *core.WriteRequest {
	when := core.Timestamp{Sec: sec}
	return &core.WriteRequest{
		Key:            key,
		IOFlags:        core.IOFlagPrepare | core.IOFlagCommit,
		Timestamp:      when,
		JSONTimestamp:  when,
		JSONCapacity:   uint64(len(json)),
		DataCapacity:   uint64(len(data)),
		DataCommitSize: uint64(len(data)),
		JSON:           json,
		Data:           data,
	}
}

func mustWrite(t *testing.T, cli *recstore.Client, g core.GroupID, req *core.WriteRequest) *core.LookupResponse {
	info, err := cli.Write(BG, g, req)
	if err != core.NoError {
		t.Fatalf("write of %s to group %s failed: %s", req.Key.Short(), g, err)
	}
	return info
}

func mustRead(t *testing.T, cli *recstore.Client, g core.GroupID, key core.Key) *core.ReadResponse {
	resp, err := cli.Read(BG, g, core.ReadRequest{Key: key, ReadFlags: core.ReadAll})
	if err != core.NoError {
		t.Fatalf("read of %s from group %s failed: %s", key.Short(), g, err)
	}
	return resp
}

// Test the basic record operations over RPC.
func TestRecordOps(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	cli := tc.cli

	data := bytes.Repeat([]byte("record"), 1000)
	info := mustWrite(t, cli, 1, writeReq(testKey(1), 10, []byte(`{"a":1}`), data))
	if info.DataSize != uint64(len(data)) || info.JSONSize != 7 {
		t.Fatalf("unexpected write info: %+v", info)
	}

	resp := mustRead(t, cli, 1, testKey(1))
	if !bytes.Equal(resp.Data, data) || string(resp.JSON) != `{"a":1}` {
		t.Fatalf("read back %d bytes of data and json %q", len(resp.Data), resp.JSON)
	}
	if resp.DataTimestamp.Sec != 10 {
		t.Fatalf("unexpected timestamp %s", resp.DataTimestamp)
	}

	// A window of the payload.
	resp, err := cli.Read(BG, 1, core.ReadRequest{Key: testKey(1), ReadFlags: core.ReadData, DataOffset: 6, DataSize: 6})
	if err != core.NoError || string(resp.Data) != "record" || len(resp.JSON) != 0 {
		t.Fatalf("window read: %s %q %q", err, resp.Data, resp.JSON)
	}

	lookup, err := cli.Lookup(BG, 1, core.LookupRequest{Key: testKey(1), Checksum: true})
	if err != core.NoError {
		t.Fatalf("lookup failed: %s", err)
	}
	if lookup.DataSize != uint64(len(data)) || len(lookup.DataChecksum) == 0 || lookup.Path == "" {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}

	mustWrite(t, cli, 1, writeReq(testKey(2), 20, nil, []byte("two")))
	reads, err := cli.BulkRead(BG, 1, core.BulkReadRequest{Keys: []core.Key{testKey(2), testKey(3), testKey(1)}, ReadFlags: core.ReadAll})
	if err != core.NoError || len(reads) != 3 {
		t.Fatalf("bulk read: %s, %d responses", err, len(reads))
	}
	if string(reads[0].Data) != "two" || reads[1].Status != core.ErrNotFound || !bytes.Equal(reads[2].Data, data) {
		t.Fatalf("unexpected bulk read responses: %s %s %s", reads[0].Status, reads[1].Status, reads[2].Status)
	}

	if err := cli.Remove(BG, 1, core.RemoveRequest{Key: testKey(1)}); err != core.NoError {
		t.Fatalf("remove failed: %s", err)
	}
	if _, err := cli.Read(BG, 1, core.ReadRequest{Key: testKey(1), ReadFlags: core.ReadAll}); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %s", err)
	}

	statuses, err := cli.BulkRemove(BG, 1, core.BulkRemoveRequest{Keys: []core.Key{testKey(1), testKey(2)}})
	if err != core.NoError || len(statuses) != 2 {
		t.Fatalf("bulk remove: %s, %d statuses", err, len(statuses))
	}
	if statuses[0].Status != core.ErrNotFound || statuses[1].Status != core.NoError {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	stat, err := cli.Stat(BG, 1)
	if err != core.NoError || stat.Group != 1 || stat.Records != 0 {
		t.Fatalf("unexpected stat: %s %+v", err, stat)
	}
}

// A CAS write older than what is stored is refused.
func TestWriteCAS(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 20, nil, []byte("new")))
	req := writeReq(testKey(1), 10, nil, []byte("old"))
	req.IOFlags |= core.IOFlagCASTimestamp
	if _, err := tc.cli.Write(BG, 1, req); err != core.ErrBadTimestamp {
		t.Fatalf("expected ErrBadTimestamp, got %s", err)
	}
	if resp := mustRead(t, tc.cli, 1, testKey(1)); string(resp.Data) != "new" {
		t.Fatalf("record was replaced: %q", resp.Data)
	}
}

func checkCopy(t *testing.T, cli *recstore.Client, from, to core.GroupID, key core.Key) {
	src := mustRead(t, cli, from, key)
	dst := mustRead(t, cli, to, key)
	if !bytes.Equal(src.Data, dst.Data) || !bytes.Equal(src.JSON, dst.JSON) {
		t.Fatalf("%s: copy on group %s differs: %d/%d bytes", key.Short(), to, len(src.Data), len(dst.Data))
	}
	if src.DataTimestamp != dst.DataTimestamp || src.JSONTimestamp != dst.JSONTimestamp {
		t.Fatalf("%s: copy on group %s has other timestamps", key.Short(), to)
	}
}

// Records are sent to other groups over RPC, small ones in one write and
// large ones in chunks.
func TestServerSend(t *testing.T) {
	tc := newTestCluster(t, 1, 2, 3)
	defer tc.close()

	small := []byte("small")
	large := bytes.Repeat([]byte("0123456789"), 10000)
	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 10, []byte(`{"s":1}`), small))
	mustWrite(t, tc.cli, 1, writeReq(testKey(2), 20, []byte(`{"l":1}`), large))

	req := core.ServerSendRequest{
		Keys: []core.Key{testKey(1), testKey(2), testKey(3)},
		Send: core.SendOptions{Groups: []core.GroupID{2, 3}, ChunkSize: 16 << 10},
	}
	resps, err := tc.cli.ServerSend(BG, 1, req)
	if err != core.NoError {
		t.Fatalf("server send failed: %s", err)
	}
	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	statuses := make(map[core.Key]core.Error)
	for _, r := range resps {
		statuses[r.Key] = r.Status
	}
	if statuses[testKey(1)] != core.NoError || statuses[testKey(2)] != core.NoError || statuses[testKey(3)] != core.ErrNotFound {
		t.Fatalf("unexpected statuses: %v", statuses)
	}
	for _, g := range []core.GroupID{2, 3} {
		checkCopy(t, tc.cli, 1, g, testKey(1))
		checkCopy(t, tc.cli, 1, g, testKey(2))
	}
}

// A group without a server fails the sends to it.
func TestServerSendNoRoute(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 10, nil, []byte("x")))
	resps, err := tc.cli.ServerSend(BG, 1, core.ServerSendRequest{
		Keys: []core.Key{testKey(1)},
		Send: core.SendOptions{Groups: []core.GroupID{7}},
	})
	if err != core.NoError || len(resps) != 1 {
		t.Fatalf("server send: %s, %d responses", err, len(resps))
	}
	if resps[0].Status != core.ErrNoRoute {
		t.Fatalf("expected ErrNoRoute, got %s", resps[0].Status)
	}
}

// A migration iterator copies every committed record.
func TestMigrationIterator(t *testing.T) {
	tc := newTestCluster(t, 1, 2)
	defer tc.close()

	for i := byte(1); i <= 5; i++ {
		mustWrite(t, tc.cli, 1, writeReq(testKey(i), uint64(i), []byte(`{}`), bytes.Repeat([]byte{i}, int(i)*100)))
	}
	resps, err := tc.cli.Iterate(BG, 1, core.IteratorRequest{
		ID:   9,
		Type: core.IterTypeMigration,
		Send: core.SendOptions{Groups: []core.GroupID{2}},
	})
	if err != core.NoError || len(resps) != 5 {
		t.Fatalf("migration: %s, %d responses", err, len(resps))
	}
	for _, r := range resps {
		if r.Status != core.NoError || r.ID != 9 || r.TotalKeys != 5 {
			t.Fatalf("unexpected response: %+v", r)
		}
	}
	for i := byte(1); i <= 5; i++ {
		checkCopy(t, tc.cli, 1, 2, testKey(i))
	}
	if stat, _ := tc.cli.Stat(BG, 2); stat == nil || stat.Records != 5 {
		t.Fatalf("unexpected stat of group 2: %+v", stat)
	}
}

// A network iterator returns the records it visits.
func TestNetworkIterator(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()

	for i := byte(1); i <= 3; i++ {
		mustWrite(t, tc.cli, 1, writeReq(testKey(i), uint64(i), nil, []byte{i, i}))
	}
	resps, err := tc.cli.Iterate(BG, 1, core.IteratorRequest{
		Type:      core.IterTypeNetwork,
		Flags:     core.IterData | core.IterKeyRange,
		KeyRanges: []core.KeyRange{{Begin: testKey(2), End: testKey(3)}},
	})
	if err != core.NoError {
		t.Fatalf("iterate failed: %s", err)
	}
	if len(resps) != 2 || resps[0].Key != testKey(2) || resps[1].Key != testKey(3) {
		t.Fatalf("unexpected responses: %+v", resps)
	}
	if !bytes.Equal(resps[0].Data, []byte{2, 2}) {
		t.Fatalf("unexpected data %v", resps[0].Data)
	}

	// Unsupported iterators fail the whole request.
	if _, err := tc.cli.Iterate(BG, 1, core.IteratorRequest{Type: core.IterTypeDisk}); err != core.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %s", err)
	}
}

// Collected replies don't grow past MaxReplyBytes.
func TestCollectorLimit(t *testing.T) {
	tc := newTestClusterConfig(t, func(c *Config) { c.MaxReplyBytes = 150 }, 1)
	defer tc.close()

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, bytes.Repeat([]byte("a"), 100)))
	mustWrite(t, tc.cli, 1, writeReq(testKey(2), 2, nil, bytes.Repeat([]byte("b"), 100)))

	if _, err := tc.cli.Iterate(BG, 1, core.IteratorRequest{Type: core.IterTypeNetwork, Flags: core.IterData}); err == core.NoError {
		t.Fatalf("iterator reply should have been too large")
	}
	// Without payloads it fits.
	resps, err := tc.cli.Iterate(BG, 1, core.IteratorRequest{Type: core.IterTypeNetwork})
	if err != core.NoError || len(resps) != 2 {
		t.Fatalf("iterate: %s, %d responses", err, len(resps))
	}
}

// Writes are refused in read-only mode, reads aren't.
func TestReadOnlyMode(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, []byte("x")))

	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest("POST", "/readonly?mode=true", nil))
	if w.Code != http.StatusOK || !s.handler.ro.ReadOnlyMode() {
		t.Fatalf("failed to set read-only mode: %d %s", w.Code, w.Body.String())
	}

	if _, err := tc.cli.Write(BG, 1, writeReq(testKey(2), 1, nil, []byte("y"))); err != core.ErrReadOnlyMode {
		t.Fatalf("expected ErrReadOnlyMode, got %s", err)
	}
	if err := tc.cli.Remove(BG, 1, core.RemoveRequest{Key: testKey(1)}); err != core.ErrReadOnlyMode {
		t.Fatalf("expected ErrReadOnlyMode, got %s", err)
	}
	mustRead(t, tc.cli, 1, testKey(1))

	s.handler.ro.SetReadOnlyMode(false)
	mustWrite(t, tc.cli, 1, writeReq(testKey(2), 1, nil, []byte("y")))
}

// Failures are injected through the failure service.
func TestFailureInjection(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, []byte("x")))

	post := func(body string) {
		w := httptest.NewRecorder()
		s.mux.ServeHTTP(w, httptest.NewRequest("POST", "/__failure__", strings.NewReader(body)))
		if w.Code != http.StatusOK {
			t.Fatalf("failure update returned %d: %s", w.Code, w.Body.String())
		}
	}
	post(fmt.Sprintf(`{"rec_service_failure": {"Read": %d}}`, core.ErrIO.Errno()))

	if _, err := tc.cli.Read(BG, 1, core.ReadRequest{Key: testKey(1), ReadFlags: core.ReadAll}); err != core.ErrIO {
		t.Fatalf("expected injected ErrIO, got %s", err)
	}
	// Other operations are not affected.
	if _, err := tc.cli.Lookup(BG, 1, core.LookupRequest{Key: testKey(1)}); err != core.NoError {
		t.Fatalf("lookup failed: %s", err)
	}

	post(`{}`)
	mustRead(t, tc.cli, 1, testKey(1))
}

// Requests beyond the pending limit are rejected.
func TestTooBusy(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	h := tc.servers[1].handler

	n := 0
	for h.pendingSem.TryAcquire() {
		n++
	}
	if _, err := tc.cli.Lookup(BG, 1, core.LookupRequest{Key: testKey(1)}); err != core.ErrTooBusy {
		t.Fatalf("expected ErrTooBusy, got %s", err)
	}
	for ; n > 0; n-- {
		h.pendingSem.Release()
	}
	if _, err := tc.cli.Lookup(BG, 1, core.LookupRequest{Key: testKey(1)}); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %s", err)
	}
}

// The scrubber finds corrupted records.
func TestScrub(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, bytes.Repeat([]byte("a"), 10000)))
	mustWrite(t, tc.cli, 1, writeReq(testKey(2), 2, nil, bytes.Repeat([]byte("b"), 10000)))

	sc := newScrubber(s.store, s.backend.Locks(), 1<<30)
	st, err := sc.scrub(BG)
	if err != nil || st.Records != 2 || st.OK != 2 || st.Bad != 0 {
		t.Fatalf("clean scrub: %s %+v", err, st)
	}

	wc, _ := s.store.Read(testKey(2))
	f, oerr := os.OpenFile(wc.Path, os.O_RDWR, 0)
	if oerr != nil {
		t.Fatal(oerr)
	}
	if _, oerr = f.WriteAt([]byte("c"), int64(wc.DataOffset+record.ExtHeaderSize+5000)); oerr != nil {
		t.Fatal(oerr)
	}
	f.Close()

	st, err = sc.scrub(BG)
	if err != nil || st.Records != 2 || st.OK != 1 || st.Bad != 1 {
		t.Fatalf("scrub after corruption: %s %+v", err, st)
	}
	if _, err := tc.cli.Read(BG, 1, core.ReadRequest{Key: testKey(2), IOFlags: core.IOFlagNoCsum, ReadFlags: core.ReadAll}); err != core.ErrCorruptData {
		t.Fatalf("expected corrupted record to stay marked, got %s", err)
	}
	// Corrupted records are skipped from now on.
	st, err = sc.scrub(BG)
	if err != nil || st.Records != 1 || st.Bad != 0 {
		t.Fatalf("scrub of marked store: %s %+v", err, st)
	}
}

// Busy keys are left for the next scrub.
func TestScrubSkipsLocked(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, []byte("a")))
	locks := s.backend.Locks()
	locks.LockKey(testKey(1))
	st, err := newScrubber(s.store, locks, 1<<30).scrub(BG)
	locks.UnlockKey(testKey(1))
	if err != nil || st.Busy != 1 || st.Records != 0 {
		t.Fatalf("unexpected scrub: %s %+v", err, st)
	}
}

// Test the status page in both formats.
func TestStatusPage(t *testing.T) {
	tc := newTestCluster(t, 1, 2)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, []byte("a")))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Accept", "application/json")
	s.mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status returned %d", w.Code)
	}
	var st StatusData
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode status: %s", err)
	}
	if st.Cfg.Group != 1 || st.Store.Records != 1 || len(st.Cfg.Peers) != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "recordserver") {
		t.Fatalf("html status: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest("GET", "/nothing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.Dir = "/tmp/x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config should be valid: %s", err)
	}
	if err := DefaultProdConfig.Validate(); err != nil {
		t.Fatalf("prod config should be valid: %s", err)
	}

	bad := []func(c *Config){
		func(c *Config) { c.Addr = "" },
		func(c *Config) { c.Dir = "" },
		func(c *Config) { c.RejectReqThreshold = 0 },
		func(c *Config) { c.ChunkSize = 0 },
		func(c *Config) { c.MaxReplyBytes = 0 },
		func(c *Config) { c.Peers = map[core.GroupID]string{2: ""} },
	}
	for i, f := range bad {
		c := cfg
		f(&c)
		if c.Validate() == nil {
			t.Errorf("config %d should be invalid", i)
		}
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("1=a:1, 2=b:2,")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || peers[1] != "a:1" || peers[2] != "b:2" {
		t.Fatalf("unexpected peers: %v", peers)
	}
	for _, bad := range []string{"1", "x=a:1", "1=", "-1=a:1"} {
		if _, err := ParsePeers(bad); err == nil {
			t.Errorf("%q should not parse", bad)
		}
	}
}

// The index backup can be restored into a new index file.
func TestBackupIndex(t *testing.T) {
	tc := newTestCluster(t, 1)
	defer tc.close()
	s := tc.servers[1]

	mustWrite(t, tc.cli, 1, writeReq(testKey(1), 1, nil, []byte("x")))
	mustWrite(t, tc.cli, 1, writeReq(testKey(2), 1, nil, []byte("y")))

	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest("GET", BackupPath, nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("backup failed: %d, %d bytes", w.Code, w.Body.Len())
	}
	path := filepath.Join(test.NewTempDir(t), "index.db")
	if err := blobstore.RestoreIndex(w.Body, path); err != nil {
		t.Fatalf("failed to restore the backup: %s", err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("bad restored index: %v", err)
	}

	w = httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest("POST", BackupPath, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}
