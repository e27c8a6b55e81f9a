package blueprint

import (
	"bytes"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/samber/oops"
)

const (
	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o644
)

// Stats summarizes what a materialization changed.
type Stats struct {
	Created   int
	Replaced  int
	Unchanged int
	Removed   int
	Cleared   int

	// Paths lists every path that was processed, in application order.
	Paths []string
}

// Mutated reports whether any filesystem change was made.
func (s Stats) Mutated() bool {
	return s.Created+s.Replaced+s.Removed+s.Cleared > 0
}

// Materializer applies flattened blueprints to a filesystem. It is the only
// component that writes to the output tree.
type Materializer struct {
	fs       billy.Filesystem
	dirMode  os.FileMode
	fileMode os.FileMode
}

// NewMaterializer creates a Materializer writing through fs.
func NewMaterializer(fs billy.Filesystem) *Materializer {
	return &Materializer{
		fs:       fs,
		dirMode:  defaultDirMode,
		fileMode: defaultFileMode,
	}
}

// NewOSMaterializer creates a Materializer for the host filesystem. Entry
// paths are absolute host paths.
func NewOSMaterializer() *Materializer {
	return NewMaterializer(osfs.New(string(os.PathSeparator)))
}

// FileMode sets the permission bits for written files.
func (m *Materializer) FileMode(mode os.FileMode) *Materializer {
	m.fileMode = mode
	return m
}

// DirMode sets the permission bits for created directories.
func (m *Materializer) DirMode(mode os.FileMode) *Materializer {
	m.dirMode = mode
	return m
}

// Materialize expands n at root and applies the result.
func (m *Materializer) Materialize(root string, n *Node) (Stats, error) {
	entries, err := Expand(root, n)
	if err != nil {
		return Stats{}, err
	}
	return m.Apply(entries)
}

// Apply brings the filesystem into the state described by entries, in order.
// The first failing entry stops the run; entries applied before it stay
// applied and are reflected in the returned Stats.
func (m *Materializer) Apply(entries []Entry) (Stats, error) {
	var stats Stats
	for _, entry := range entries {
		if err := m.apply(entry, &stats); err != nil {
			return stats, err
		}
		stats.Paths = append(stats.Paths, entry.Path)
	}
	return stats, nil
}

func (m *Materializer) apply(entry Entry, stats *Stats) error {
	info, err := m.fs.Lstat(entry.Path)
	if err != nil && !os.IsNotExist(err) {
		return m.wrap(err, entry, "lstat")
	}
	exists := err == nil

	switch entry.State.Kind {
	case KindAbsent:
		if !exists {
			return nil
		}
		if err := util.RemoveAll(m.fs, entry.Path); err != nil {
			return m.wrap(err, entry, "remove")
		}
		stats.Removed++

	case KindDirectory:
		switch {
		case exists && info.IsDir():
			if entry.State.Clear {
				if err := m.clearDir(entry.Path); err != nil {
					return m.wrap(err, entry, "clear")
				}
				stats.Cleared++
			} else {
				stats.Unchanged++
			}
			return nil
		case exists:
			if err := m.fs.Remove(entry.Path); err != nil {
				return m.wrap(err, entry, "remove")
			}
			stats.Replaced++
		default:
			stats.Created++
		}
		if err := m.fs.MkdirAll(entry.Path, m.dirMode); err != nil {
			return m.wrap(err, entry, "mkdir")
		}

	case KindFile:
		if exists {
			if info.Mode().IsRegular() && m.sameContent(entry.Path, entry.State.Content) {
				stats.Unchanged++
				return nil
			}
			if err := util.RemoveAll(m.fs, entry.Path); err != nil {
				return m.wrap(err, entry, "remove")
			}
			stats.Replaced++
		} else {
			stats.Created++
		}
		if err := util.WriteFile(m.fs, entry.Path, entry.State.Content, m.fileMode); err != nil {
			return m.wrap(err, entry, "write")
		}

	case KindLink:
		if exists {
			if info.Mode()&os.ModeSymlink != 0 {
				if target, err := m.fs.Readlink(entry.Path); err == nil && target == entry.State.Target {
					stats.Unchanged++
					return nil
				}
			}
			if err := util.RemoveAll(m.fs, entry.Path); err != nil {
				return m.wrap(err, entry, "remove")
			}
			stats.Replaced++
		} else {
			stats.Created++
		}
		if err := m.fs.Symlink(entry.State.Target, entry.Path); err != nil {
			return m.wrap(err, entry, "symlink")
		}

	default:
		return oops.In("blueprint").With("path", entry.Path).Wrapf(ErrInvalidNode, "unknown node kind %d", entry.State.Kind)
	}
	return nil
}

// clearDir removes every entry below path but keeps path itself.
func (m *Materializer) clearDir(path string) error {
	infos, err := m.fs.ReadDir(path)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := util.RemoveAll(m.fs, m.fs.Join(path, info.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) sameContent(path string, content []byte) bool {
	current, err := util.ReadFile(m.fs, path)
	if err != nil {
		return false
	}
	return bytes.Equal(current, content)
}

func (m *Materializer) wrap(err error, entry Entry, op string) error {
	return oops.In("blueprint").
		With("path", entry.Path, "kind", entry.State.Kind.String(), "op", op).
		Wrapf(err, "%s %s", op, entry.Path)
}
