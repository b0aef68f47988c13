package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"restartd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileStoreAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries := []Entry{
		{At: time.Now(), Action: "started", Schedule: "nightly", Servers: []string{"lobby"}},
		{At: time.Now(), Action: "delayed", Schedule: "nightly", Actor: "@ops", Reason: "boss fight"},
		{At: time.Now(), Action: "cancelled", Schedule: "nightly", Actor: "@ops"},
	}
	for _, e := range entries {
		if err := st.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Append(context.Background(), Entry{Action: "late"}); err == nil {
		t.Fatalf("append after close should fail")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 3 {
		t.Fatalf("got %d lines, want 3", len(got))
	}
	if got[1].Action != "delayed" || got[1].Reason != "boss fight" {
		t.Fatalf("entry mismatch: %+v", got[1])
	}
}

func TestFileStoreAddsExtension(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "trail")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Append(context.Background(), Entry{Action: "started"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = st.Close()

	if _, err := os.Stat(filepath.Join(dir, "trail.jsonl")); err != nil {
		t.Fatalf("expected trail.jsonl to exist: %v", err)
	}
}

func TestSQLiteStoreAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.Append(context.Background(), Entry{
		Action:   "manual",
		Schedule: "manual_restart",
		Servers:  []string{"lobby", "survival"},
		Actor:    "@ops",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ss, ok := st.(*sqliteStore)
	if !ok {
		t.Fatalf("unexpected store type %T", st)
	}
	var n int
	if err := ss.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'manual'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
}
