package engine

import (
	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/filesession"
)

// SessionAdapter adapts a *filesession.Session to the engine's narrower
// FileSession interface, translating the engine's action-tagged
// ProposedChange into filesession's write/delete Op.
type SessionAdapter struct {
	session *filesession.Session
}

// WrapSession adapts s for engine use.
func WrapSession(s *filesession.Session) *SessionAdapter {
	return &SessionAdapter{session: s}
}

func (a *SessionAdapter) Stage(path string, op correctionOp, content []byte) error {
	fop := filesession.OpWrite
	if op == opDelete {
		fop = filesession.OpDelete
	}
	return a.session.Stage(path, fop, content)
}

func (a *SessionAdapter) StagedFiles() []StagedFileView {
	staged := a.session.StagedFiles()
	views := make([]StagedFileView, 0, len(staged))
	for _, f := range staged {
		views = append(views, StagedFileView{Path: f.Path, Bytes: len(f.Content)})
	}
	return views
}

func (a *SessionAdapter) Validate() error { return a.session.Validate() }
func (a *SessionAdapter) Apply() error    { return a.session.Apply() }
func (a *SessionAdapter) Abort()          { a.session.Abort() }
func (a *SessionAdapter) TotalBytes() int { return a.session.TotalBytes() }

// stagedChangesToPolicy converts StagedFileView into correction.StagedChange
// for policy evaluation.
func stagedChangesToPolicy(views []StagedFileView) []correction.StagedChange {
	out := make([]correction.StagedChange, 0, len(views))
	for _, v := range views {
		out = append(out, correction.StagedChange{Path: v.Path, Bytes: v.Bytes})
	}
	return out
}
