package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

const (
	contentFile  = "content.md"
	metaFile     = "page.json"
	trailerKey   = "Revision: "
	mirrorBranch = "main"
)

// ErrRevisionNotMirrored is returned when a revision has no commit in the mirror.
var ErrRevisionNotMirrored = errors.New("revision not mirrored")

// Meta is the page metadata committed alongside the content.
type Meta struct {
	PageID     string `json:"pageId"`
	Namespace  string `json:"namespace"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	Protection string `json:"protection"`
	Revision   int    `json:"revision"`
	EditType   string `json:"editType"`
}

type Snapshot struct {
	Meta    Meta
	Content string
}

type CommitInfo struct {
	Hash      string `json:"hash"`
	Revision  int    `json:"revision"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
}

// Service mirrors each page's revision log into its own git repository,
// one commit per revision on the main branch.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RevisionSource loads earlier revisions of a page. The mirror uses it to
// fill gaps when revisions reach it out of order.
type RevisionSource interface {
	Get(ctx context.Context, pageID string, number int) (wiki.Revision, error)
}

// RecordRevision commits rev on top of the page's mirror, first committing
// any revisions between the mirror head and rev loaded from source. Revisions
// at or below the head are skipped, so replays are harmless. Backfilled
// commits carry page's current title and key.
func (s *Service) RecordRevision(ctx context.Context, page wiki.Page, rev wiki.Revision, source RevisionSource) error {
	lock := s.pageLock(page.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(page.ID)
	if err != nil {
		return err
	}
	last, err := lastRevision(repo)
	if err != nil {
		return err
	}
	if rev.Number <= last {
		return nil
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	for n := last + 1; n < rev.Number; n++ {
		if source == nil {
			return fmt.Errorf("page %s revision %d: missing revision %d and no source to load it", page.ID, rev.Number, n)
		}
		earlier, err := source.Get(ctx, page.ID, n)
		if err != nil {
			return fmt.Errorf("load revision %d of page %s: %w", n, page.ID, err)
		}
		if err := commitRevision(worktree, page, earlier); err != nil {
			return err
		}
	}
	return commitRevision(worktree, page, rev)
}

func commitRevision(worktree *git.Worktree, page wiki.Page, rev wiki.Revision) error {
	meta := Meta{
		PageID:     page.ID,
		Namespace:  page.Namespace,
		Slug:       page.Slug,
		Title:      page.Title,
		Protection: string(page.Protection),
		Revision:   rev.Number,
		EditType:   string(rev.EditType),
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page meta: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, metaFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(rev.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	for _, name := range []string{metaFile, contentFile} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}

	_, err = worktree.Commit(commitMessage(rev), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  rev.AuthorName,
			Email: fmt.Sprintf("%s@users.wiki.local", sanitizeEmail(rev.AuthorName)),
			When:  rev.CreatedAt,
		},
	})
	if err != nil {
		return fmt.Errorf("commit revision %d: %w", rev.Number, err)
	}
	return nil
}

// History lists mirrored commits newest first. A page that was never
// mirrored has an empty history.
func (s *Service) History(pageID string, limit int) ([]CommitInfo, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]CommitInfo, 0)
	repo, err := git.PlainOpen(s.repoPath(pageID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	err = walk(repo, func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SnapshotAt reads the page as committed for revision number.
func (s *Service) SnapshotAt(pageID string, number int) (Snapshot, error) {
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(pageID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, fmt.Errorf("page %s revision %d: %w", pageID, number, ErrRevisionNotMirrored)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	var found *object.Commit
	err = walk(repo, func(commitObj *object.Commit) error {
		if parseRevision(commitObj.Message) == number {
			found = commitObj
			return io.EOF
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if found == nil {
		return Snapshot{}, fmt.Errorf("page %s revision %d: %w", pageID, number, ErrRevisionNotMirrored)
	}
	return readSnapshot(found)
}

func (s *Service) ensureRepo(pageID string) (*git.Repository, error) {
	path := s.repoPath(pageID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mirrorBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mirrorBranch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(pageID string) string {
	return filepath.Join(s.baseDir, pageID)
}

func (s *Service) pageLock(pageID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[pageID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[pageID] = lock
	return lock
}

// walk visits commits from HEAD backwards; fn may return io.EOF to stop.
// A repository without commits is visited as empty.
func walk(repo *git.Repository, fn func(*object.Commit) error) error {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()
	if err := iter.ForEach(fn); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("iterate log: %w", err)
	}
	return nil
}

func lastRevision(repo *git.Repository) (int, error) {
	last := 0
	err := walk(repo, func(commitObj *object.Commit) error {
		last = parseRevision(commitObj.Message)
		return io.EOF
	})
	return last, err
}

func commitMessage(rev wiki.Revision) string {
	subject := fmt.Sprintf("r%d %s", rev.Number, rev.EditType)
	if summary := strings.TrimSpace(rev.Summary); summary != "" {
		subject += ": " + firstLine(summary)
	}
	return fmt.Sprintf("%s\n\n%s%d\n", subject, trailerKey, rev.Number)
}

func parseRevision(message string) int {
	for _, line := range strings.Split(message, "\n") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(line), trailerKey); ok {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	metaRaw, err := readFile(commitObj, metaFile)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(metaRaw), &snap.Meta); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	snap.Content, err = readFile(commitObj, contentFile)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Revision:  parseRevision(commitObj.Message),
		Message:   strings.TrimSpace(firstLine(commitObj.Message)),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
