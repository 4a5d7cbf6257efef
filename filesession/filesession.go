// Package filesession implements the File Session (spec.md §4.2, C2): a
// staged, transactional set of file mutations for a single plan step. All
// writes land in an in-memory staging area first; nothing touches the
// worktree on disk until Apply, and nothing is visible to git until the
// caller commits via vcs.Worktree.CommitAll. Path validation is grounded
// on the teacher's tools/file executor's validatePath idiom, generalized
// to cover an allow-list of path prefixes and a denylist of sensitive
// files.
package filesession

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/deeprun/config"
)

// Op is the kind of mutation staged against a path.
type Op string

const (
	OpWrite  Op = "write"
	OpDelete Op = "delete"
)

// StagedFile is one path's staged mutation.
type StagedFile struct {
	Path    string
	Op      Op
	Content []byte
}

// Session accumulates staged mutations for a single step before they are
// validated and applied to a worktree.
type Session struct {
	root                string
	limits              config.FileSessionLimits
	allowedPathPrefixes []string
	staged              map[string]StagedFile
	order               []string
}

// Begin opens a new File Session rooted at worktreeRoot, bounded by
// limits, and scoped to allowedPathPrefixes (doublestar glob patterns,
// e.g. "src/**", "internal/**"). A nil or empty allowedPathPrefixes means
// the whole worktree is writable.
func Begin(worktreeRoot string, limits config.FileSessionLimits, allowedPathPrefixes []string) *Session {
	return &Session{
		root:                worktreeRoot,
		limits:              limits,
		allowedPathPrefixes: allowedPathPrefixes,
		staged:              make(map[string]StagedFile),
	}
}

// deniedFiles are refused by base name, regardless of allow-list, unless
// FileSessionLimits.AllowEnvMutation is set, per spec.md §4.2's denylist
// for sensitive files. A path at or under the root .git is refused either
// way.
var deniedFiles = map[string]bool{
	".env":        true,
	".env.local":  true,
	".git":        true,
	".gitmodules": true,
}

// ErrPathOutsideRoot is returned when a staged path escapes the session's
// worktree root.
var ErrPathOutsideRoot = fmt.Errorf("path escapes worktree root")

// ErrPathDenied is returned when a staged path names a denylisted file or
// falls outside every configured allow-list prefix.
var ErrPathDenied = fmt.Errorf("path not permitted for this step")

// ErrEnvMutationNotAllowed is returned when a .env-adjacent path is staged
// and config.FileSessionLimits.AllowEnvMutation is false.
var ErrEnvMutationNotAllowed = fmt.Errorf("environment file mutation not permitted")

func (s *Session) validatePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	full := filepath.Join(s.root, clean)
	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("resolve worktree root: %w", err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}

	base := filepath.Base(clean)
	if deniedFiles[base] && !s.limits.AllowEnvMutation {
		return "", fmt.Errorf("%w: %s", ErrEnvMutationNotAllowed, path)
	}
	if strings.HasPrefix(clean, ".git"+string(filepath.Separator)) || clean == ".git" {
		return "", fmt.Errorf("%w: %s", ErrPathDenied, path)
	}

	if len(s.allowedPathPrefixes) > 0 {
		allowed := false
		for _, pattern := range s.allowedPathPrefixes {
			if ok, _ := doublestar.Match(pattern, clean); ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("%w: %s", ErrPathDenied, path)
		}
	}

	return clean, nil
}

// ErrTooManyFiles is returned by Stage once the step's file count cap is
// exceeded.
var ErrTooManyFiles = fmt.Errorf("file session exceeds max files per step")

// ErrFileTooLarge is returned by Stage when content exceeds the per-file
// byte cap.
var ErrFileTooLarge = fmt.Errorf("staged file exceeds max file bytes")

// ErrDiffTooLarge is returned by Validate when the session's total staged
// byte count exceeds the per-step diff cap.
var ErrDiffTooLarge = fmt.Errorf("file session exceeds max total diff bytes")

// Stage records a write or delete against path, validating it against the
// session's path rules and per-file size cap immediately. The mutation is
// not written to disk until Apply.
func (s *Session) Stage(path string, op Op, content []byte) error {
	clean, err := s.validatePath(path)
	if err != nil {
		return err
	}
	if op == OpWrite && s.limits.MaxFileBytes > 0 && len(content) > s.limits.MaxFileBytes {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFileTooLarge, path, len(content), s.limits.MaxFileBytes)
	}
	if _, exists := s.staged[clean]; !exists {
		if s.limits.MaxFilesPerStep > 0 && len(s.staged) >= s.limits.MaxFilesPerStep {
			return fmt.Errorf("%w: limit is %d", ErrTooManyFiles, s.limits.MaxFilesPerStep)
		}
		s.order = append(s.order, clean)
	}
	s.staged[clean] = StagedFile{Path: clean, Op: op, Content: content}
	return nil
}

// StagedFiles returns the session's staged mutations in the order they
// were first staged.
func (s *Session) StagedFiles() []StagedFile {
	out := make([]StagedFile, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.staged[p])
	}
	return out
}

// Validate enforces the session's total-diff-size cap across every staged
// write. Call this after all of a step's Stage calls and before Apply.
func (s *Session) Validate() error {
	var total int
	for _, f := range s.staged {
		if f.Op == OpWrite {
			total += len(f.Content)
		}
	}
	if s.limits.MaxTotalDiffBytes > 0 && total > s.limits.MaxTotalDiffBytes {
		return fmt.Errorf("%w: staged %d bytes, max %d", ErrDiffTooLarge, total, s.limits.MaxTotalDiffBytes)
	}
	return nil
}

// Apply writes every staged mutation to the worktree on disk. It is
// all-or-nothing only in the sense that Validate should be called first;
// Apply itself applies mutations in staging order and returns the first
// I/O error encountered, leaving prior writes in place (on failure the
// engine aborts the session and fails the run without resetting the
// worktree).
func (s *Session) Apply() error {
	for _, path := range s.order {
		f := s.staged[path]
		full := filepath.Join(s.root, f.Path)
		switch f.Op {
		case OpWrite:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("create parent directories for %s: %w", f.Path, err)
			}
			if err := os.WriteFile(full, f.Content, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", f.Path, err)
			}
		case OpDelete:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", f.Path, err)
			}
		}
	}
	return nil
}

// Abort discards every staged mutation without touching disk.
func (s *Session) Abort() {
	s.staged = make(map[string]StagedFile)
	s.order = nil
}

// TotalBytes returns the sum of staged write content, for telemetry.
func (s *Session) TotalBytes() int {
	var total int
	for _, f := range s.staged {
		if f.Op == OpWrite {
			total += len(f.Content)
		}
	}
	return total
}
