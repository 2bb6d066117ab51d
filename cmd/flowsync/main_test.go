package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func TestRoomCommandsPersistLocally(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--room", "notes", "--log-level", "error"}

	out := run(t, append([]string{"room", "put", "title", `"hello"`}, base...)...)
	require.Contains(t, out, "put title status=offline")

	out = run(t, append([]string{"room", "get", "title"}, base...)...)
	require.Equal(t, `"hello"`, strings.TrimSpace(out))

	out = run(t, append([]string{"room", "rooms"}, base...)...)
	require.Equal(t, "notes", strings.TrimSpace(out))
	require.FileExists(t, filepath.Join(dir, "flowsync.db"))
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flowsync.yaml"), []byte("room: from-file\nlocal_dsn: bolt://state.bolt\n"), 0o644))

	out := run(t, "room", "status", "--data-dir", dir, "--room", "from-flag", "--log-level", "error")
	require.Contains(t, out, "room: from-flag")
	require.Contains(t, out, "status: offline")
	require.FileExists(t, filepath.Join(dir, "state.bolt"))
}

func TestRestoreBringsBackAnEarlierBackup(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data-dir", dir, "--room", "notes", "--log-level", "error"}

	run(t, append([]string{"room", "put", "title", `"first"`}, base...)...)
	lines := strings.Split(strings.TrimSpace(run(t, append([]string{"room", "backups"}, base...)...)), "\n")
	require.NotEmpty(t, lines)
	require.NotEqual(t, "no backups", lines[0])
	oldest := strings.Fields(lines[len(lines)-1])[0]

	run(t, append([]string{"room", "put", "title", `"second"`}, base...)...)
	run(t, append([]string{"room", "put", "extra", `1`}, base...)...)

	out := run(t, append([]string{"room", "restore", oldest}, base...)...)
	require.Contains(t, out, "restored 1 entries")

	out = run(t, append([]string{"room", "get", "title"}, base...)...)
	require.Equal(t, `"first"`, strings.TrimSpace(out))
	out = run(t, append([]string{"room", "list"}, base...)...)
	require.NotContains(t, out, "extra")
}
