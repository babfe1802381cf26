package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gorelay/internal/audit"
)

func TestRunFiltersByFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.cbor")
	sink, err := audit.NewArchiveSink(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	sink.Record("alice has joined\n", audit.LoginLog)
	sink.Record("hello\n", audit.ChatLog)
	require.NoError(t, sink.Close())

	var all bytes.Buffer
	require.NoError(t, run(path, "", &all))
	assert.Contains(t, all.String(), "login.log")
	assert.Contains(t, all.String(), "alice has joined\n")
	assert.Contains(t, all.String(), "hello\n")

	var chat bytes.Buffer
	require.NoError(t, run(path, audit.ChatLog, &chat))
	assert.NotContains(t, chat.String(), "alice has joined")
	assert.Contains(t, chat.String(), "] ")
	assert.Contains(t, chat.String(), "hello\n")
}

func TestRunMissingArchive(t *testing.T) {
	err := run(filepath.Join(t.TempDir(), "missing.cbor"), "", &bytes.Buffer{})
	assert.Error(t, err)
}
