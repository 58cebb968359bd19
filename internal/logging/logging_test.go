package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
)

func TestWriter_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "omsync.log")
	w, closer := Writer(settings.Log{File: path, MaxSizeMB: 1, MaxBackups: 1})

	NewFactory(w, false).Logger("driver").Println("cycle finished")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[driver] ")
	assert.Contains(t, string(data), "cycle finished")
}

func TestWriter_StderrOnly(t *testing.T) {
	w, closer := Writer(settings.Log{})
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, closer.Close())
}

func TestFactory_Verbose(t *testing.T) {
	var buf bytes.Buffer
	NewFactory(&buf, true).Logger("files").Print("x")
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "[files] "))
	assert.Contains(t, line, "logging_test.go")
}
