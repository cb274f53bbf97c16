package configstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, root, name string) *Store {
	t.Helper()
	s, err := Open(Options{Root: root, Name: name})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitSet(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete")
	}
}

func TestStore_WorkspaceIsolation(t *testing.T) {
	s := openStore(t, t.TempDir(), "settings")

	waitSet(t, s.Set(Workspace, "/w1", "token", "only-w1"))
	waitSet(t, s.Set(Global, "", "shared", "everyone"))

	assert.Equal(t, "only-w1", s.Get(Workspace, "/w1", "token", nil))
	assert.Nil(t, s.Get(Workspace, "/w2", "token", nil))
	assert.Equal(t, "everyone", s.Get(Workspace, "/w1", "shared", nil))
	assert.Equal(t, "everyone", s.Get(Workspace, "/w2", "shared", nil))
	assert.Equal(t, "everyone", s.Get(Global, "", "shared", nil))
}

func TestStore_ResolutionOrder(t *testing.T) {
	s := openStore(t, t.TempDir(), "settings")

	assert.Equal(t, "fallback", s.Get(Workspace, "/w1", "model", "fallback"))

	s.Set(Global, "", "model", "global-model")
	assert.Equal(t, "global-model", s.Get(Workspace, "/w1", "model", "fallback"))

	s.Set(Workspace, "/w1", "model", "ws-model")
	assert.Equal(t, "ws-model", s.Get(Workspace, "/w1", "model", "fallback"))
	assert.Equal(t, "global-model", s.Get(Workspace, "/w2", "model", "fallback"))
	assert.Equal(t, "global-model", s.Get(Global, "", "model", "fallback"), "global scope never reads workspace buckets")

	s.Set(Workspace, "/w1", "model", nil)
	assert.Equal(t, "global-model", s.Get(Workspace, "/w1", "model", "fallback"))
	require.NoError(t, s.Flush(context.Background()))
}

func TestStore_CacheIsSynchronous(t *testing.T) {
	s := openStore(t, t.TempDir(), "state")
	ch := s.Set(Global, "", "count", 3)
	assert.Equal(t, float64(3), s.Get(Global, "", "count", nil), "value visible before persistence completes")
	waitSet(t, ch)
}

func TestStore_ReadsDoNotAliasCache(t *testing.T) {
	s := openStore(t, t.TempDir(), "state")
	waitSet(t, s.Set(Global, "", "history", map[string]any{"items": []any{"a"}}))

	got := s.Get(Global, "", "history", nil).(map[string]any)
	got["items"].([]any)[0] = "mutated"
	got["extra"] = true

	raw, _ := s.Raw(Global, "", "history")
	raw.(map[string]any)["raw"] = 1
	all := s.GetAll(Global, "")
	all["history"].(map[string]any)["all"] = 1

	assert.Equal(t, map[string]any{"items": []any{"a"}}, s.Get(Global, "", "history", nil))
}

func TestStore_DeletePersists(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, "state")
	waitSet(t, s.Set(Global, "", "a", 1))
	waitSet(t, s.Set(Global, "", "b", 2))
	waitSet(t, s.Set(Global, "", "a", nil))

	b, err := os.ReadFile(filepath.Join(root, "global-storage", "state.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, map[string]any{"b": float64(2)}, doc)
	assert.Equal(t, []string{"b"}, s.Keys(Global, ""))
}

func TestStore_MalformedDocumentIsEmpty(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "global-storage", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := openStore(t, root, "settings")
	assert.Empty(t, s.GetAll(Global, ""))

	waitSet(t, s.Set(Global, "", "k", "v"))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(b))
}

func TestStore_ReadMergeWriteKeepsForeignKeys(t *testing.T) {
	root := t.TempDir()
	a := openStore(t, root, "settings")
	b := openStore(t, root, "settings")

	waitSet(t, a.Set(Workspace, "/repo", "fromA", "1"))
	waitSet(t, b.Set(Workspace, "/repo", "fromB", "2"))

	raw, err := os.ReadFile(filepath.Join(root, "workspace-storage", WorkspaceID("/repo"), "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"fromA":"1","fromB":"2"}`, string(raw))

	meta, err := os.ReadFile(filepath.Join(root, "workspace-storage", WorkspaceID("/repo"), "workspace.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "/repo")
}

func TestStore_TwoSessionsRecoverUpdatedToken(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first, err := Open(Options{Root: root, Name: "settings"})
	require.NoError(t, err)
	first.Set(Global, "", "kilocodeToken", "old-token-value")
	first.Set(Workspace, "/project", "kilocodeToken", "new-token-value")
	require.NoError(t, first.Close(ctx))

	second := openStore(t, root, "settings")
	assert.Equal(t, "new-token-value", Lookup(second, Workspace, "/project", "kilocodeToken", ""))
	assert.Equal(t, "old-token-value", Lookup(second, Workspace, "/elsewhere", "kilocodeToken", ""))
}

func TestStore_OpenFailsWhenRootCannotBeCreated(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Open(Options{Root: filepath.Join(blocker, "cfg"), Name: "settings"})
	require.ErrorIs(t, err, ErrStorageDir)
}

func TestStore_WorkspaceDirFailureIsSticky(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, "settings")
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace-storage"), []byte("x"), 0o644))

	err := <-s.Set(Workspace, "/repo", "k", "v")
	require.ErrorIs(t, err, ErrStorageDir)
	require.ErrorIs(t, s.Flush(context.Background()), ErrStorageDir)
}

func TestStore_SetAfterCloseFails(t *testing.T) {
	s, err := Open(Options{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	require.ErrorIs(t, <-s.Set(Global, "", "k", "v"), ErrClosed)
}

func TestLookup_DecodesStructuredValues(t *testing.T) {
	s := openStore(t, t.TempDir(), "settings")
	s.Set(Global, "", "allowedCommands", []string{"git log", "git diff"})
	s.Set(Global, "", "timeout", 30)

	assert.Equal(t, []string{"git log", "git diff"}, Lookup(s, Global, "", "allowedCommands", []string(nil)))
	assert.Equal(t, 30, Lookup(s, Global, "", "timeout", 0))
	assert.Equal(t, "dflt", Lookup(s, Global, "", "timeout", "dflt"), "mismatched type falls back")
}
