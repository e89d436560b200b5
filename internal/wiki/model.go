package wiki

import (
	"fmt"
	"time"
)

type ProtectionLevel string

const (
	ProtectionNone  ProtectionLevel = "none"
	ProtectionSemi  ProtectionLevel = "semi"
	ProtectionFull  ProtectionLevel = "full"
	ProtectionAdmin ProtectionLevel = "admin"
)

var protectionOrder = map[ProtectionLevel]int{
	ProtectionNone:  0,
	ProtectionSemi:  1,
	ProtectionFull:  2,
	ProtectionAdmin: 3,
}

func (l ProtectionLevel) Valid() bool {
	_, ok := protectionOrder[l]
	return ok
}

// Stricter reports whether l is strictly more restrictive than other.
func (l ProtectionLevel) Stricter(other ProtectionLevel) bool {
	return protectionOrder[l] > protectionOrder[other]
}

func ParseProtectionLevel(value string) (ProtectionLevel, error) {
	level := ProtectionLevel(value)
	if value == "" {
		return ProtectionNone, nil
	}
	if !level.Valid() {
		return "", Validation("protection", fmt.Sprintf("unknown protection level %q", value))
	}
	return level, nil
}

type EditType string

const (
	EditCreate  EditType = "create"
	EditEdit    EditType = "edit"
	EditRevert  EditType = "revert"
	EditProtect EditType = "protect"
	EditMove    EditType = "move"
)

func (t EditType) Valid() bool {
	switch t {
	case EditCreate, EditEdit, EditRevert, EditProtect, EditMove:
		return true
	}
	return false
}

type SubmissionType string

const (
	SubmissionCreate SubmissionType = "create"
	SubmissionEdit   SubmissionType = "edit"
)

type SubmissionStatus string

const (
	StatusPending  SubmissionStatus = "pending"
	StatusApproved SubmissionStatus = "approved"
	StatusRejected SubmissionStatus = "rejected"
	StatusOnHold   SubmissionStatus = "onhold"
)

func (s SubmissionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func ParseSubmissionStatus(value string) (SubmissionStatus, error) {
	switch status := SubmissionStatus(value); status {
	case StatusPending, StatusApproved, StatusRejected, StatusOnHold:
		return status, nil
	}
	return "", Validation("status", fmt.Sprintf("unknown submission status %q", value))
}

// Key identifies a page among live pages.
type Key struct {
	Namespace string `json:"namespace"`
	Slug      string `json:"slug"`
}

func (k Key) String() string {
	return k.Namespace + ":" + k.Slug
}

type Page struct {
	ID              string          `json:"id"`
	Namespace       string          `json:"namespace"`
	Slug            string          `json:"slug"`
	Title           string          `json:"title"`
	Content         string          `json:"content"`
	CurrentRevision int             `json:"currentRevision"`
	Protection      ProtectionLevel `json:"protection"`
	IsDeleted       bool            `json:"isDeleted"`
	DeletedBy       string          `json:"deletedBy,omitempty"`
	DeleteReason    string          `json:"deleteReason,omitempty"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
	Lease           *Lease          `json:"lease,omitempty"`
	CreatedBy       string          `json:"createdBy"`
	UpdatedBy       string          `json:"updatedBy"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (p Page) Key() Key {
	return Key{Namespace: p.Namespace, Slug: p.Slug}
}

type Revision struct {
	ID            string    `json:"id"`
	PageID        string    `json:"pageId"`
	Number        int       `json:"number"`
	Content       string    `json:"content"`
	Summary       string    `json:"summary"`
	AuthorID      string    `json:"authorId"`
	AuthorName    string    `json:"authorName"`
	EditType      EditType  `json:"editType"`
	ContentLength int       `json:"contentLength"`
	SizeChange    int       `json:"sizeChange"`
	IsReverted    bool      `json:"isReverted"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Renewed is set on the lease returned by an acquire that extended the
	// holder's live lease instead of granting a new one.
	Renewed bool `json:"-"`
}

// Live reports whether the lease is still in force at now.
func (l Lease) Live(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

type Submission struct {
	ID               string           `json:"id"`
	Type             SubmissionType   `json:"type"`
	Status           SubmissionStatus `json:"status"`
	Namespace        string           `json:"namespace"`
	Slug             string           `json:"slug"`
	PageID           string           `json:"pageId,omitempty"`
	Title            string           `json:"title"`
	Content          string           `json:"content"`
	Summary          string           `json:"summary"`
	Categories       []string         `json:"categories"`
	ExpectedRevision int              `json:"expectedRevision,omitempty"`
	AuthorID         string           `json:"authorId"`
	AuthorName       string           `json:"authorName"`
	ReviewerID       string           `json:"reviewerId,omitempty"`
	ReviewerName     string           `json:"reviewerName,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	AppliedRevision  int              `json:"appliedRevision,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	ReviewedAt       *time.Time       `json:"reviewedAt,omitempty"`
}

func (s Submission) Key() Key {
	return Key{Namespace: s.Namespace, Slug: s.Slug}
}

type Pagination struct {
	Limit int
	Skip  int
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Normalize applies the default and cap to Limit.
func (p Pagination) Normalize() (Pagination, error) {
	if p.Skip < 0 {
		return Pagination{}, Validation("skip", "skip must not be negative")
	}
	if p.Limit < 0 {
		return Pagination{}, Validation("limit", "limit must not be negative")
	}
	if p.Limit == 0 {
		p.Limit = DefaultHistoryLimit
	}
	if p.Limit > MaxHistoryLimit {
		p.Limit = MaxHistoryLimit
	}
	return p, nil
}

type SubmissionFilter struct {
	Status    SubmissionStatus
	Namespace string
	Limit     int
	Offset    int
}
