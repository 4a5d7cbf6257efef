package filesession

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/deeprun/config"
)

func testLimits() config.FileSessionLimits {
	return config.FileSessionLimits{
		MaxFilesPerStep:   2,
		MaxTotalDiffBytes: 100,
		MaxFileBytes:      50,
		AllowEnvMutation:  false,
	}
}

func TestStageRejectsPathOutsideRoot(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	err := s.Stage("../escape.txt", OpWrite, []byte("x"))
	assert.ErrorIs(t, err, ErrPathOutsideRoot)

	err = s.Stage("/etc/passwd", OpWrite, []byte("x"))
	assert.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestStageRejectsEnvFileWithoutOverride(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	err := s.Stage(".env", OpWrite, []byte("SECRET=1"))
	assert.ErrorIs(t, err, ErrEnvMutationNotAllowed)
}

func TestStageAllowsEnvFileWithOverride(t *testing.T) {
	limits := testLimits()
	limits.AllowEnvMutation = true
	s := Begin(t.TempDir(), limits, nil)
	err := s.Stage(".env", OpWrite, []byte("SECRET=1"))
	assert.NoError(t, err)
}

func TestStageRejectsGitDirectory(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	err := s.Stage(".git/config", OpWrite, []byte("x"))
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestStageEnforcesAllowedPathPrefixes(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), []string{"src/**"})
	err := s.Stage("src/main.go", OpWrite, []byte("package main"))
	assert.NoError(t, err)

	err = s.Stage("other/file.go", OpWrite, []byte("package other"))
	assert.ErrorIs(t, err, ErrPathDenied)
}

func TestStageEnforcesMaxFileBytes(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	big := make([]byte, 51)
	err := s.Stage("big.txt", OpWrite, big)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestStageEnforcesMaxFilesPerStep(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	require.NoError(t, s.Stage("a.txt", OpWrite, []byte("a")))
	require.NoError(t, s.Stage("b.txt", OpWrite, []byte("b")))
	err := s.Stage("c.txt", OpWrite, []byte("c"))
	assert.ErrorIs(t, err, ErrTooManyFiles)
}

func TestRestagingSamePathDoesNotCountTwice(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	require.NoError(t, s.Stage("a.txt", OpWrite, []byte("a")))
	require.NoError(t, s.Stage("a.txt", OpWrite, []byte("aa")))
	require.NoError(t, s.Stage("b.txt", OpWrite, []byte("b")))
	assert.Len(t, s.StagedFiles(), 2)
}

func TestValidateEnforcesTotalDiffBytes(t *testing.T) {
	limits := testLimits()
	limits.MaxFilesPerStep = 5
	limits.MaxFileBytes = 1000
	limits.MaxTotalDiffBytes = 10
	s := Begin(t.TempDir(), limits, nil)
	require.NoError(t, s.Stage("a.txt", OpWrite, []byte("01234567890123456789")))

	err := s.Validate()
	assert.ErrorIs(t, err, ErrDiffTooLarge)
}

func TestApplyWritesStagedFilesToDisk(t *testing.T) {
	root := t.TempDir()
	s := Begin(root, testLimits(), nil)
	require.NoError(t, s.Stage("nested/file.txt", OpWrite, []byte("hello")))

	require.NoError(t, s.Validate())
	require.NoError(t, s.Apply())

	content, err := os.ReadFile(filepath.Join(root, "nested/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestAbortDiscardsStagedFiles(t *testing.T) {
	s := Begin(t.TempDir(), testLimits(), nil)
	require.NoError(t, s.Stage("a.txt", OpWrite, []byte("a")))
	s.Abort()
	assert.Empty(t, s.StagedFiles())
}
