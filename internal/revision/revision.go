package revision

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerRevision = "-- revision:"
	headerParent   = "-- parent:"
	headerMessage  = "-- message:"
	headerCreated  = "-- created:"
	markerUp       = "-- +up"
	markerDown     = "-- +down"

	maxSlugLength = 40
)

var (
	// ErrInvalidFile is returned for revision files that cannot be parsed.
	ErrInvalidFile = errors.New("invalid revision file")

	idRegex   = regexp.MustCompile(`^[0-9A-Za-z_]+$`)
	slugRegex = regexp.MustCompile(`[^a-z0-9]+`)
)

// Revision is one node of the migration chain.
type Revision struct {
	ID      string
	Parent  string
	Message string
	Created time.Time
	Up      string
	Down    string
	Path    string
}

// NewID returns a short random revision identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New builds an unsaved revision on top of parent. The message is flattened
// to one line so it survives the header format.
func New(id, parent, message string, created time.Time) *Revision {
	return &Revision{
		ID:      id,
		Parent:  parent,
		Message: strings.Join(strings.Fields(message), " "),
		Created: created.UTC().Truncate(time.Second),
		Up:      "-- upgrade statements\n",
		Down:    "-- downgrade statements\n",
	}
}

// Filename is the on-disk name: <id>_<slug>.sql.
func (r *Revision) Filename() string {
	return r.ID + "_" + Slug(r.Message) + ".sql"
}

// Slug turns a message into a filename-safe fragment.
func Slug(message string) string {
	s := slugRegex.ReplaceAllString(strings.ToLower(message), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "_")
	}
	if s == "" {
		return "revision"
	}
	return s
}

// Script returns the SQL for a direction ("up" or "down").
func (r *Revision) Script(direction string) string {
	if direction == "down" {
		return r.Down
	}
	return r.Up
}

// Checksum hashes the script executed for direction.
func (r *Revision) Checksum(direction string) string {
	sum := sha256.Sum256([]byte(r.Script(direction)))
	return hex.EncodeToString(sum[:])
}

// Render encodes the revision in its file format.
func (r *Revision) Render() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s\n", headerRevision, r.ID)
	fmt.Fprintf(&b, "%s %s\n", headerParent, r.Parent)
	fmt.Fprintf(&b, "%s %s\n", headerMessage, r.Message)
	fmt.Fprintf(&b, "%s %s\n", headerCreated, r.Created.UTC().Format(time.RFC3339))
	b.WriteString(markerUp + "\n")
	b.WriteString(withNewline(r.Up))
	b.WriteString(markerDown + "\n")
	b.WriteString(withNewline(r.Down))
	return b.Bytes()
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// Write saves the revision under dir and sets its Path. An existing file
// with the same name is never overwritten.
func Write(dir string, r *Revision) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}
	path := filepath.Join(dir, r.Filename())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create revision file: %w", err)
	}
	if _, err := f.Write(r.Render()); err != nil {
		f.Close()
		return "", fmt.Errorf("write revision file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write revision file: %w", err)
	}
	r.Path = path
	return path, nil
}

// ReadFile parses the revision stored at path.
func ReadFile(path string) (*Revision, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	r.Path = path
	return r, nil
}

// Parse decodes a revision from its file format.
func Parse(src io.Reader) (*Revision, error) {
	var (
		r        Revision
		up, down strings.Builder
		section  string
		seenID   bool
	)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == markerUp:
			section = "up"
			continue
		case trimmed == markerDown:
			section = "down"
			continue
		}

		switch section {
		case "up":
			up.WriteString(line + "\n")
			continue
		case "down":
			down.WriteString(line + "\n")
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, headerRevision):
			r.ID = headerValue(trimmed, headerRevision)
			seenID = true
		case strings.HasPrefix(trimmed, headerParent):
			r.Parent = headerValue(trimmed, headerParent)
		case strings.HasPrefix(trimmed, headerMessage):
			r.Message = headerValue(trimmed, headerMessage)
		case strings.HasPrefix(trimmed, headerCreated):
			v := headerValue(trimmed, headerCreated)
			if v == "" {
				continue
			}
			created, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("%w: created: %v", ErrInvalidFile, err)
			}
			r.Created = created
		case trimmed == "" || strings.HasPrefix(trimmed, "--"):
		default:
			return nil, fmt.Errorf("%w: statement outside of -- +up/-- +down section", ErrInvalidFile)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if !seenID || !idRegex.MatchString(r.ID) {
		return nil, fmt.Errorf("%w: missing or malformed revision id %q", ErrInvalidFile, r.ID)
	}
	if r.Parent != "" && !idRegex.MatchString(r.Parent) {
		return nil, fmt.Errorf("%w: malformed parent %q", ErrInvalidFile, r.Parent)
	}
	if section == "" {
		return nil, fmt.Errorf("%w: no %s section", ErrInvalidFile, markerUp)
	}
	r.Up = up.String()
	r.Down = down.String()
	return &r, nil
}

func headerValue(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}
