package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockjit/blockjit/internal/version"
)

func runMain(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdOut, stdErr bytes.Buffer
	code := doMain(args, &stdOut, &stdErr)
	return code, stdOut.String(), stdErr.String()
}

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "blockjit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	code, stdOut, stdErr := runMain(t, "version")
	require.Equal(t, 0, code)
	require.Equal(t, version.GetBlockjitVersion()+"\n", stdOut)
	require.Empty(t, stdErr)
}

func TestUnknownCommand(t *testing.T) {
	code, _, stdErr := runMain(t, "compile")
	require.Equal(t, 1, code)
	require.Contains(t, stdErr, `unknown command "compile"`)
}

func TestFileConfig(t *testing.T) {
	path := writeConfig(t, `
code_size: 1048576
far_code_offset: 524288
avx_guard: never
debug_registry: false
log_level: debug
`)
	fc, err := loadFileConfig(path)
	require.NoError(t, err)
	require.Equal(t, 1048576, *fc.CodeSize)
	require.Equal(t, 524288, *fc.FarCodeOffset)
	require.Nil(t, fc.ConstantPoolSize)
	require.Equal(t, "never", *fc.AVXGuard)
	require.False(t, *fc.DebugRegistry)
	require.Nil(t, fc.PerfMap)

	_, err = fc.engineConfig()
	require.NoError(t, err)
	level, err := fc.logLevel(0)
	require.NoError(t, err)
	require.Equal(t, "DEBUG", level.String())
}

func TestFileConfig_errors(t *testing.T) {
	_, err := loadFileConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = loadFileConfig(writeConfig(t, "code_size: [1]\n"))
	require.ErrorContains(t, err, "error parsing config")

	fc, err := loadFileConfig(writeConfig(t, "avx_guard: sometimes\nlog_level: loud\n"))
	require.NoError(t, err)
	_, err = fc.engineConfig()
	require.EqualError(t, err, `invalid AVX guard "sometimes"`)
	_, err = fc.logLevel(0)
	require.EqualError(t, err, `invalid log level "loud"`)
}

func TestRun_invalidFlags(t *testing.T) {
	code, _, stdErr := runMain(t, "run", "--blocks", "0")
	require.Equal(t, 1, code)
	require.Equal(t, "error: --blocks must be positive\n", stdErr)

	code, _, stdErr = runMain(t, "run", "--cycles", "0")
	require.Equal(t, 1, code)
	require.Contains(t, stdErr, "--cycles must be within")

	code, _, stdErr = runMain(t, "stubs", "--syntax", "masm")
	require.Equal(t, 1, code)
	require.Equal(t, "error: unknown syntax \"masm\"\n", stdErr)
}
