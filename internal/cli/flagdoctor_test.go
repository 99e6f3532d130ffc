package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	globals := &Globals{Format: "text", Quiet: true, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, "", "trace.bin"))

	globals = &Globals{Format: "ndjson", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, "key", "trace.bin"))
	require.Error(t, validateFlags(globals, "", ""))
	require.NoError(t, validateFlags(globals, "key", ""))
	require.NoError(t, validateFlags(globals, "", "trace.bin"))

	stdout := &bytes.Buffer{}
	globals = &Globals{Format: "ndjson", Stdout: stdout, Stderr: &bytes.Buffer{}}
	require.Error(t, validateFlags(globals, "", ""))
	assert.Contains(t, stdout.String(), `"code":"INVALID_FLAGS"`)
}
