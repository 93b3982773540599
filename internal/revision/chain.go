package revision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Head selects the newest revision of the chain in upgrade targets.
const Head = "head"

// Display names a pointer value for output. The empty pointer is "base".
func Display(id string) string {
	if id == "" {
		return "base"
	}
	return id
}

var (
	// ErrInvalidChain reports forks, duplicates, cycles or dangling parents.
	ErrInvalidChain = errors.New("invalid revision chain")
	// ErrUnknownRevision is returned for IDs that are not part of the chain.
	ErrUnknownRevision = errors.New("unknown revision")
	// ErrNotEnoughApplied is returned when a downgrade asks for more steps
	// than there are applied revisions.
	ErrNotEnoughApplied = errors.New("not enough applied revisions")
)

// Chain is a validated linear sequence of revisions, base first.
type Chain struct {
	revs  []*Revision
	index map[string]int
}

// Load reads every *.sql revision in dir. A missing dir is an empty chain.
func Load(dir string) (*Chain, error) {
	if _, err := os.Stat(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	sort.Strings(paths)

	revs := make([]*Revision, 0, len(paths))
	for _, path := range paths {
		r, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return NewChain(revs)
}

// NewChain orders revs by parent links and validates that they form a
// single line from one base.
func NewChain(revs []*Revision) (*Chain, error) {
	byID := make(map[string]*Revision, len(revs))
	children := make(map[string]*Revision, len(revs))
	var base *Revision

	for _, r := range revs {
		if prev, ok := byID[r.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate revision %s (%s, %s)", ErrInvalidChain, r.ID, name(prev), name(r))
		}
		byID[r.ID] = r
	}
	for _, r := range revs {
		if r.Parent == "" {
			if base != nil {
				return nil, fmt.Errorf("%w: multiple base revisions %s and %s", ErrInvalidChain, base.ID, r.ID)
			}
			base = r
			continue
		}
		if _, ok := byID[r.Parent]; !ok {
			return nil, fmt.Errorf("%w: revision %s has unknown parent %s", ErrInvalidChain, r.ID, r.Parent)
		}
		if other, ok := children[r.Parent]; ok {
			return nil, fmt.Errorf("%w: revisions %s and %s both follow %s", ErrInvalidChain, other.ID, r.ID, r.Parent)
		}
		children[r.Parent] = r
	}

	c := &Chain{index: make(map[string]int, len(revs))}
	if len(revs) == 0 {
		return c, nil
	}
	if base == nil {
		return nil, fmt.Errorf("%w: no base revision", ErrInvalidChain)
	}
	for r := base; r != nil; r = children[r.ID] {
		c.index[r.ID] = len(c.revs)
		c.revs = append(c.revs, r)
	}
	if len(c.revs) != len(revs) {
		return nil, fmt.Errorf("%w: %d revisions unreachable from base %s", ErrInvalidChain, len(revs)-len(c.revs), base.ID)
	}
	return c, nil
}

func name(r *Revision) string {
	if r.Path != "" {
		return filepath.Base(r.Path)
	}
	return r.ID
}

// Len is the number of revisions.
func (c *Chain) Len() int { return len(c.revs) }

// Revisions returns the chain base first.
func (c *Chain) Revisions() []*Revision {
	return append([]*Revision(nil), c.revs...)
}

// Head returns the newest revision ID, or "" for an empty chain.
func (c *Chain) Head() string {
	if len(c.revs) == 0 {
		return ""
	}
	return c.revs[len(c.revs)-1].ID
}

// Get looks up a revision by ID.
func (c *Chain) Get(id string) (*Revision, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.revs[i], true
}

// Applied returns how many revisions are applied when the pointer is at id.
// The empty pointer is base with zero applied.
func (c *Chain) Applied(id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	i, ok := c.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRevision, id)
	}
	return i + 1, nil
}

// UpgradePath lists the revisions to apply, in order, to move from current
// to target. target is Head or a revision ID at or after current.
func (c *Chain) UpgradePath(current, target string) ([]*Revision, error) {
	from, err := c.Applied(current)
	if err != nil {
		return nil, fmt.Errorf("current pointer: %w", err)
	}
	to := len(c.revs)
	if target != Head && target != "" {
		if to, err = c.Applied(target); err != nil {
			return nil, err
		}
	}
	if to < from {
		return nil, fmt.Errorf("target %s is behind current revision %s", target, current)
	}
	return append([]*Revision(nil), c.revs[from:to]...), nil
}

// DowngradePath lists the revisions to revert, newest first, to move the
// pointer back by steps.
func (c *Chain) DowngradePath(current string, steps int) ([]*Revision, error) {
	applied, err := c.Applied(current)
	if err != nil {
		return nil, fmt.Errorf("current pointer: %w", err)
	}
	if steps > applied {
		return nil, fmt.Errorf("%w: %d requested, %d applied", ErrNotEnoughApplied, steps, applied)
	}
	out := make([]*Revision, 0, steps)
	for i := applied - 1; i >= applied-steps; i-- {
		out = append(out, c.revs[i])
	}
	return out, nil
}
