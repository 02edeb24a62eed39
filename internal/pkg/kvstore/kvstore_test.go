package kvstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/autopeer-io/trustagent/internal/pkg/kvstore"
)

var openers = map[string]func(t *testing.T) kvstore.Opener{
	"memory": func(*testing.T) kvstore.Opener { return kvstore.NewMemory() },
	"file": func(t *testing.T) kvstore.Opener {
		s, err := kvstore.NewFileStore(filepath.Join(t.TempDir(), "kv"))
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		return s
	},
}

func TestNamespaceRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, newOpener := range openers {
		t.Run(name, func(t *testing.T) {
			ns, err := newOpener(t).Open(ctx, "trusted-ca")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			if _, err := ns.Get(ctx, "az-tb"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Fatalf("Get on empty namespace = %v, want ErrNotFound", err)
			}

			if err := ns.Set(ctx, "az-tb", []byte("bundle")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := kvstore.SetInt32(ctx, ns, "az-tb-ver", 1_000_000); err != nil {
				t.Fatalf("SetInt32: %v", err)
			}
			if err := ns.Commit(ctx); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			got, err := ns.Get(ctx, "az-tb")
			if err != nil || string(got) != "bundle" {
				t.Fatalf("Get = %q, %v", got, err)
			}
			got[0] = 'X'
			again, _ := ns.Get(ctx, "az-tb")
			if string(again) != "bundle" {
				t.Errorf("Get returned an aliased slice")
			}

			v, err := kvstore.GetInt32(ctx, ns, "az-tb-ver")
			if err != nil || v != 1_000_000 {
				t.Errorf("GetInt32 = %d, %v", v, err)
			}
			if _, err := kvstore.GetInt32(ctx, ns, "az-tb"); err == nil {
				t.Errorf("GetInt32 on a 6-byte blob should fail")
			}
		})
	}
}

func TestNamespaceDiscard(t *testing.T) {
	ctx := context.Background()
	for name, newOpener := range openers {
		t.Run(name, func(t *testing.T) {
			ns, err := newOpener(t).Open(ctx, "trusted-ca")
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			_ = ns.Set(ctx, "az-tb", []byte("v1"))
			if err := ns.Commit(ctx); err != nil {
				t.Fatal(err)
			}

			_ = ns.Set(ctx, "az-tb", []byte("v2"))
			_ = ns.Set(ctx, "az-tb-sum", []byte("sum"))
			if err := ns.Discard(ctx); err != nil {
				t.Fatalf("Discard: %v", err)
			}

			if got, err := ns.Get(ctx, "az-tb"); err != nil || string(got) != "v1" {
				t.Errorf("Get after Discard = %q, %v; want v1", got, err)
			}
			if _, err := ns.Get(ctx, "az-tb-sum"); !errors.Is(err, kvstore.ErrNotFound) {
				t.Errorf("discarded key still visible: %v", err)
			}
		})
	}
}

func TestFileStoreFailedCommitDropsStaged(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "kv")
	s, err := kvstore.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ns, err := s.Open(ctx, "adu")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	_ = ns.Set(ctx, "installed", []byte("x"))
	if err := ns.Commit(ctx); err == nil {
		t.Fatal("Commit into a missing directory should fail")
	}
	if _, err := ns.Get(ctx, "installed"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("Get after failed Commit = %v, want ErrNotFound", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := kvstore.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ns, _ := s.Open(ctx, "trusted-ca")
	_ = ns.Set(ctx, "committed", []byte("yes"))
	if err := ns.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_ = ns.Set(ctx, "staged", []byte("lost"))

	// A fresh store over the same directory models a restart.
	s2, err := kvstore.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ns2, err := s2.Open(ctx, "trusted-ca")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, err := ns2.Get(ctx, "committed"); err != nil || string(v) != "yes" {
		t.Errorf("committed value = %q, %v", v, err)
	}
	if _, err := ns2.Get(ctx, "staged"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("uncommitted value survived restart: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "trusted-ca.msgpack" {
		t.Errorf("unexpected files left behind: %v", entries)
	}
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	s, err := kvstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../etc", "a/b", "white space"} {
		if _, err := s.Open(context.Background(), name); err == nil {
			t.Errorf("Open(%q) succeeded", name)
		}
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "trusted-ca.msgpack"), []byte{0xc1, 0xff}, 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := kvstore.NewFileStore(dir)
	if _, err := s.Open(context.Background(), "trusted-ca"); err == nil {
		t.Errorf("Open succeeded on a corrupt file")
	}
}

func TestMemoryCrashAndHook(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory()

	var sets []string
	boom := errors.New("flash worn out")
	m.OnSet = func(ns, key string, _ []byte) error {
		sets = append(sets, ns+"/"+key)
		if key == "fail" {
			return boom
		}
		return nil
	}

	ns, _ := m.Open(ctx, "trusted-ca")
	_ = ns.Set(ctx, "a", []byte("1"))
	_ = ns.Commit(ctx)
	_ = ns.Set(ctx, "a", []byte("2"))
	if err := ns.Set(ctx, "fail", []byte("x")); !errors.Is(err, boom) {
		t.Fatalf("Set with failing hook = %v", err)
	}

	if v, _ := ns.Get(ctx, "a"); string(v) != "2" {
		t.Errorf("staged value not visible: %q", v)
	}
	m.Crash()
	if v, _ := ns.Get(ctx, "a"); string(v) != "1" {
		t.Errorf("after crash got %q, want committed value", v)
	}
	if _, err := ns.Get(ctx, "fail"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("aborted Set was stored")
	}

	if want := []string{"trusted-ca/a", "trusted-ca/a", "trusted-ca/fail"}; len(sets) != len(want) {
		t.Errorf("OnSet saw %v, want %v", sets, want)
	}
	if m.Commits() != 1 {
		t.Errorf("Commits = %d, want 1", m.Commits())
	}
}
