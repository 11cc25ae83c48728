package mount

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jacktea/strmsync/pkg/format"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// Mapping binds one remote directory to a local mirror of pointer files.
type Mapping struct {
	// LocalRoot is where the remote store is mounted for byte-level access.
	// It also identifies the mapping.
	LocalRoot string `mapstructure:"local_root" json:"local_root"`
	// MirrorRoot receives the pointer files.
	MirrorRoot string `mapstructure:"mirror_root" json:"mirror_root"`
	// RemoteRoot is the directory on the remote store.
	RemoteRoot string `mapstructure:"remote_root" json:"remote_root"`
	// Template holds exactly one of {local_file} or {cloud_file}.
	Template string `mapstructure:"template" json:"template"`
}

// String renders the mapping in its compact line form.
func (m Mapping) String() string {
	return strings.Join([]string{m.LocalRoot, m.MirrorRoot, m.RemoteRoot, m.Template}, "#")
}

// Validate checks a single mapping in isolation.
func (m Mapping) Validate() error {
	switch {
	case m.LocalRoot == "":
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.String(), fmt.Errorf("local root is required"))
	case m.MirrorRoot == "":
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot, fmt.Errorf("mirror root is required"))
	case m.RemoteRoot == "":
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot, fmt.Errorf("remote root is required"))
	case !strings.HasPrefix(m.RemoteRoot, "/"):
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot, fmt.Errorf("remote root %q must be absolute", m.RemoteRoot))
	}
	if err := format.Validate(m.Template); err != nil {
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot, err)
	}
	return nil
}

// LocalFor maps a remote path to its path under the local mount.
func (m Mapping) LocalFor(remote string) string {
	return swapPrefix(remote, m.RemoteRoot, m.LocalRoot)
}

// MirrorFor maps a remote path to its (not yet canonical) mirror path.
func (m Mapping) MirrorFor(remote string) string {
	return swapPrefix(remote, m.RemoteRoot, m.MirrorRoot)
}

// RemoteForLocal maps a path under the local mount to its remote path.
func (m Mapping) RemoteForLocal(local string) string {
	return swapPrefix(local, m.LocalRoot, m.RemoteRoot)
}

// MirrorForLocal maps a path under the local mount to its mirror path.
func (m Mapping) MirrorForLocal(local string) string {
	return swapPrefix(local, m.LocalRoot, m.MirrorRoot)
}

// OwnsRemote reports whether remote lies under the mapping's remote root.
func (m Mapping) OwnsRemote(remote string) bool {
	return HasPathPrefix(remote, m.RemoteRoot)
}

// OwnsLocal reports whether local lies under the mapping's local root.
func (m Mapping) OwnsLocal(local string) bool {
	return HasPathPrefix(local, m.LocalRoot)
}

// ParseLine reads the compact "local#mirror#remote#template" form. Blank lines
// and lines starting with "#" return ok=false and no error.
func ParseLine(line string) (m Mapping, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Mapping{}, false, nil
	}
	parts := strings.Split(line, "#")
	if len(parts) != 4 {
		return Mapping{}, false, xerrors.Wrap(xerrors.KindConfig, "parse mount", line,
			fmt.Errorf("want local#mirror#remote#template, got %d fields", len(parts)))
	}
	m = Mapping{
		LocalRoot:  strings.TrimSpace(parts[0]),
		MirrorRoot: strings.TrimSpace(parts[1]),
		RemoteRoot: strings.TrimSpace(parts[2]),
		Template:   strings.TrimSpace(parts[3]),
	}
	return m, true, nil
}

// ParseLines reads newline separated mapping lines. Malformed lines are
// returned as errors and skipped.
func ParseLines(text string) ([]Mapping, []error) {
	var (
		out  []Mapping
		errs []error
	)
	for _, line := range strings.Split(text, "\n") {
		m, ok, err := ParseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, errs
}

// Set is a validated, non-overlapping collection of mappings.
type Set struct {
	mappings []Mapping
}

// NewSet validates mappings in order. A mapping that is invalid on its own or
// conflicts with one accepted before it is rejected with a KindConfig error;
// the remaining mappings are still accepted.
func NewSet(mappings []Mapping) (*Set, []error) {
	s := &Set{}
	var errs []error
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.conflict(m); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mappings = append(s.mappings, m)
	}
	return s, errs
}

func (s *Set) conflict(m Mapping) error {
	if HasPathPrefix(m.MirrorRoot, m.LocalRoot) {
		return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot,
			fmt.Errorf("mirror root %s lies inside its own local root", m.MirrorRoot))
	}
	for _, prev := range s.mappings {
		switch {
		case cleanRoot(prev.LocalRoot) == cleanRoot(m.LocalRoot):
			return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot, fmt.Errorf("duplicate local root"))
		case HasPathPrefix(m.MirrorRoot, prev.LocalRoot):
			return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot,
				fmt.Errorf("mirror root %s lies inside local root %s", m.MirrorRoot, prev.LocalRoot))
		case HasPathPrefix(prev.MirrorRoot, m.LocalRoot):
			return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot,
				fmt.Errorf("local root contains mirror root %s of %s", prev.MirrorRoot, prev.LocalRoot))
		case HasPathPrefix(m.RemoteRoot, prev.RemoteRoot) || HasPathPrefix(prev.RemoteRoot, m.RemoteRoot):
			return xerrors.Wrap(xerrors.KindConfig, "mount", m.LocalRoot,
				fmt.Errorf("remote root %s overlaps %s of %s", m.RemoteRoot, prev.RemoteRoot, prev.LocalRoot))
		}
	}
	return nil
}

// All returns the accepted mappings in configuration order.
func (s *Set) All() []Mapping {
	return append([]Mapping(nil), s.mappings...)
}

// Len returns the number of accepted mappings.
func (s *Set) Len() int { return len(s.mappings) }

// Match returns the mapping whose local root is the longest path prefix of local.
func (s *Set) Match(local string) (Mapping, bool) {
	var (
		best  Mapping
		found bool
	)
	for _, m := range s.mappings {
		if !m.OwnsLocal(local) {
			continue
		}
		if !found || len(cleanRoot(m.LocalRoot)) > len(cleanRoot(best.LocalRoot)) {
			best, found = m, true
		}
	}
	return best, found
}

// Get returns the mapping keyed by localRoot.
func (s *Set) Get(localRoot string) (Mapping, bool) {
	for _, m := range s.mappings {
		if cleanRoot(m.LocalRoot) == cleanRoot(localRoot) {
			return m, true
		}
	}
	return Mapping{}, false
}

// LocalRoots returns the keys of the set, sorted.
func (s *Set) LocalRoots() []string {
	out := make([]string, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m.LocalRoot)
	}
	sort.Strings(out)
	return out
}

// HasPathPrefix reports whether p equals root or lies below it, matching whole
// path elements only ("/a/bc" is not under "/a/b"). A p with a ".." element
// is never under root.
func HasPathPrefix(p, root string) bool {
	if hasDotDot(p) {
		return false
	}
	root = cleanRoot(root)
	if root == "" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

func swapPrefix(p, from, to string) string {
	if !HasPathPrefix(p, from) {
		return p
	}
	return cleanRoot(to) + p[len(cleanRoot(from)):]
}

func hasDotDot(p string) bool {
	if !strings.Contains(p, "..") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// cleanRoot strips trailing slashes; "/" becomes "".
func cleanRoot(root string) string {
	return strings.TrimRight(root, "/")
}
