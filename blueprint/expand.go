package blueprint

import (
	"path/filepath"

	"github.com/samber/oops"
)

// State is the desired state of a single path: a node without its children.
type State struct {
	Kind    Kind
	Clear   bool
	Content []byte
	Target  string
}

// Entry pairs an absolute path with its desired state.
type Entry struct {
	Path  string
	State State
}

// Expand flattens a blueprint rooted at root into path-state entries.
//
// Entries are in pre-order: a directory always precedes its children, and
// children follow insertion order. The same blueprint always expands to the
// same sequence.
func Expand(root string, n *Node) ([]Entry, error) {
	if !filepath.IsAbs(root) {
		return nil, oops.In("blueprint").With("root", root).Wrapf(ErrRelativeRoot, "expand %q", root)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n.size())
	return appendEntries(entries, filepath.Clean(root), n), nil
}

func appendEntries(entries []Entry, path string, n *Node) []Entry {
	entries = append(entries, Entry{
		Path: path,
		State: State{
			Kind:    n.kind,
			Clear:   n.clear,
			Content: n.content,
			Target:  n.target,
		},
	})
	for _, name := range n.names {
		entries = appendEntries(entries, filepath.Join(path, name), n.children[name])
	}
	return entries
}
