package toolworker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFileRoundTripsCreateFile(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	RegisterFilesystemTools(reg, dir, true)

	create, ok := reg.Lookup("create_file")
	require.True(t, ok)
	out, err := create(context.Background(), 1, json.RawMessage(`{"path":"hello.txt","content":"hi"}`))
	require.NoError(t, err)
	require.Contains(t, out, "hello.txt")

	read, ok := reg.Lookup("read_file")
	require.True(t, ok)
	content, err := read(context.Background(), 1, json.RawMessage(`{"path":"hello.txt"}`))
	require.NoError(t, err)
	require.Equal(t, "hi", content)
}

func TestCreateFileRefusesExistingPath(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	RegisterFilesystemTools(reg, dir, true)
	create, _ := reg.Lookup("create_file")

	_, err := create(context.Background(), 1, json.RawMessage(`{"path":"a.txt","content":"1"}`))
	require.NoError(t, err)
	_, err = create(context.Background(), 1, json.RawMessage(`{"path":"a.txt","content":"2"}`))
	require.Error(t, err)
}

func TestValidatePathRejectsEscapeFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := validatePath("../outside.txt", dir, true)
	require.Error(t, err)
}

func TestValidatePathAllowsRelativeWithinWorkspace(t *testing.T) {
	dir := t.TempDir()
	resolved, err := validatePath("sub/file.txt", dir, true)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sub", "file.txt"), resolved)
}

func TestListDirReturnsEntries(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	RegisterFilesystemTools(reg, dir, true)
	create, _ := reg.Lookup("create_file")
	_, err := create(context.Background(), 1, json.RawMessage(`{"path":"a.txt","content":"x"}`))
	require.NoError(t, err)

	list, ok := reg.Lookup("list_dir")
	require.True(t, ok)
	out, err := list(context.Background(), 1, json.RawMessage(`{"path":"."}`))
	require.NoError(t, err)
	require.Contains(t, out, "a.txt")
}
