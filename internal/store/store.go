package store

import (
	"errors"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

var (
	// ErrDuplicate is returned when a live page already owns the key.
	ErrDuplicate = errors.New("duplicate live page key")
	// ErrStatusMismatch is returned when a conditional submission
	// transition finds the submission in a status it does not accept.
	ErrStatusMismatch = errors.New("submission status mismatch")
)

// Commit is one atomic page mutation: the page moves from ExpectedRevision
// to Page.CurrentRevision and Revision is appended.
type Commit struct {
	ExpectedRevision int
	Page             wiki.Page
	Revision         wiki.Revision
	// MarkRevertedAfter flags revisions numbered above it (and below the new
	// one) as reverted. Zero leaves history untouched.
	MarkRevertedAfter int
	Submission        *SubmissionTransition
}

// SubmissionTransition moves a submission to To if it is currently in one of From.
type SubmissionTransition struct {
	ID              string
	From            []wiki.SubmissionStatus
	To              wiki.SubmissionStatus
	ReviewerID      string
	ReviewerName    string
	Reason          string
	PageID          string
	AppliedRevision int
	At              time.Time
}

func (t SubmissionTransition) accepts(status wiki.SubmissionStatus) bool {
	for _, from := range t.From {
		if from == status {
			return true
		}
	}
	return false
}

func applyTransition(sub *wiki.Submission, t SubmissionTransition) {
	sub.Status = t.To
	sub.ReviewerID = t.ReviewerID
	sub.ReviewerName = t.ReviewerName
	sub.Reason = t.Reason
	if t.PageID != "" {
		sub.PageID = t.PageID
	}
	if t.AppliedRevision > 0 {
		sub.AppliedRevision = t.AppliedRevision
	}
	sub.UpdatedAt = t.At
	if t.To.Terminal() {
		at := t.At
		sub.ReviewedAt = &at
	}
}
