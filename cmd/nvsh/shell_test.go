package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestShell(t *testing.T) *shell {
	t.Helper()
	store, err := service.Open(context.Background(), flash.NewMemRegion(4096, 4), service.DefaultStoreConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	b := &localBackend{store: store}
	t.Cleanup(func() { b.Close() })
	return newShell(b, "storage")
}

func execLine(s *shell, line string) string {
	var out bytes.Buffer
	s.exec(context.Background(), line, &out)
	return out.String()
}

func TestShell_Commands(t *testing.T) {
	s := newTestShell(t)

	tests := []struct {
		line string
		want string
	}{
		{"GET ssid", "Key not found\n"},
		{"SET ssid home network", "Value stored\n"},
		{"GET ssid", "\"home network\" (string)\n"},
		{"SETINT boots u32 7", "Value stored\n"},
		{"GET boots", "7 (u32)\n"},
		{"SETINT offset i8 -5", "Value stored\n"},
		{"get offset", "-5 (i8)\n"},
		{"SETBLOB cert dead", "Value stored\n"},
		{"GET cert", "dead (blob)\n"},
		{"EXISTS ssid", "true\n"},
		{"ERASE ssid", "Key erased\n"},
		{"EXISTS ssid", "false\n"},
		{"ERASE ssid", "Key not found\n"},
		{"COMMIT", "Committed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, execLine(s, tt.line))
		})
	}
}

func TestShell_Namespaces(t *testing.T) {
	s := newTestShell(t)

	execLine(s, "SET a 1")
	assert.Equal(t, "Namespace wifi\n", execLine(s, "NS wifi"))
	assert.Equal(t, "nvs:wifi> ", s.prompt())
	execLine(s, "SET b 2")

	assert.Equal(t, "wifi:b string 1\n1 entries\n", execLine(s, "LIST"))
	assert.Equal(t, "storage:a string 1\nwifi:b string 1\n2 entries\n", execLine(s, "LIST *"))
}

func TestShell_Errors(t *testing.T) {
	s := newTestShell(t)

	assert.Contains(t, execLine(s, "GET"), "usage: GET key")
	assert.Contains(t, execLine(s, "SETINT k u9 1"), "invalid integer type")
	assert.Contains(t, execLine(s, "SETINT k u8 300"), "overflows")
	assert.Contains(t, execLine(s, "SETBLOB k zz"), "invalid hex")
	assert.Contains(t, execLine(s, "SET this-key-is-too-long v"), "Error:")
	assert.Contains(t, execLine(s, "FROB"), "unknown command FROB")
	assert.Contains(t, execLine(s, ".nope"), "Unknown command")
}

func TestShell_StatsAndGC(t *testing.T) {
	s := newTestShell(t)

	execLine(s, "SET k v")
	out := execLine(s, "STATS")
	assert.Contains(t, out, "Keys: 1 in 1 namespaces")
	assert.Contains(t, out, "Slots:")

	assert.Equal(t, "Nothing to collect\n", execLine(s, "GC"))
}

func TestShell_Exit(t *testing.T) {
	s := newTestShell(t)

	assert.False(t, s.exec(context.Background(), "", &bytes.Buffer{}))
	assert.False(t, s.exec(context.Background(), ".help", &bytes.Buffer{}))
	assert.True(t, s.exec(context.Background(), ".exit", &bytes.Buffer{}))
}
