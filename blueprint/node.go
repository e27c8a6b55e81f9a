package blueprint

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

var (
	// ErrInvalidNode reports a node that cannot describe a filesystem entry.
	ErrInvalidNode = errors.New("invalid blueprint node")

	// ErrRelativeRoot reports an expansion root that is not an absolute path.
	ErrRelativeRoot = errors.New("blueprint root must be an absolute path")
)

// Kind identifies the variant of a Node. A node's kind never changes after
// construction.
type Kind int

const (
	// KindDirectory is a directory, optionally cleared before its children
	// are applied.
	KindDirectory Kind = iota

	// KindFile is a regular file with fixed content.
	KindFile

	// KindLink is a symbolic link with a target relative to its own directory.
	KindLink

	// KindAbsent marks a path for removal.
	KindAbsent
)

// String returns the mini-notation name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindLink:
		return "link"
	case KindAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// ParseKind maps a mini-notation type name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", "directory":
		return KindDirectory, nil
	case "file":
		return KindFile, nil
	case "link":
		return KindLink, nil
	case "absent":
		return KindAbsent, nil
	default:
		return 0, oops.In("blueprint").With("type", name).Wrapf(ErrInvalidNode, "unknown node type %q", name)
	}
}

// Node is a declarative description of a filesystem subtree.
//
// Directories keep their children in insertion order, which is the order the
// expander visits them in. Builder misuse (for example adding a child to a
// file) does not panic; the first error is kept and reported by Validate and
// Expand.
type Node struct {
	kind     Kind
	clear    bool
	content  []byte
	target   string
	names    []string
	children map[string]*Node
	err      error
}

// Dir creates an empty directory node.
func Dir() *Node {
	return &Node{kind: KindDirectory, children: make(map[string]*Node)}
}

// File creates a file node holding a copy of content.
func File(content []byte) *Node {
	return &Node{kind: KindFile, content: append([]byte(nil), content...)}
}

// Link creates a symbolic link node. The target is interpreted relative to
// the directory containing the link and must not be absolute.
func Link(target string) *Node {
	n := &Node{kind: KindLink, target: target}
	switch {
	case target == "":
		n.err = oops.In("blueprint").Wrapf(ErrInvalidNode, "link target is empty")
	case filepath.IsAbs(target):
		n.err = oops.In("blueprint").With("target", target).Wrapf(ErrInvalidNode, "link target %q must be relative", target)
	}
	return n
}

// Absent creates a node marking its path for removal.
func Absent() *Node {
	return &Node{kind: KindAbsent}
}

// Clear marks a directory to have all of its existing entries removed before
// its children are applied.
func (n *Node) Clear() *Node {
	if n.kind != KindDirectory {
		n.fail(oops.In("blueprint").With("kind", n.kind.String()).Wrapf(ErrInvalidNode, "clear only applies to directories"))
		return n
	}
	n.clear = true
	return n
}

// Child adds or replaces the child called name. A replaced child keeps its
// original position.
func (n *Node) Child(name string, child *Node) *Node {
	if n.kind != KindDirectory {
		n.fail(oops.In("blueprint").With("name", name, "kind", n.kind.String()).Wrapf(ErrInvalidNode, "%s nodes cannot have children", n.kind))
		return n
	}
	if err := validName(name); err != nil {
		n.fail(err)
		return n
	}
	if child == nil {
		n.fail(oops.In("blueprint").With("name", name).Wrapf(ErrInvalidNode, "child %q is nil", name))
		return n
	}
	if _, ok := n.children[name]; !ok {
		n.names = append(n.names, name)
	}
	n.children[name] = child
	return n
}

// Kind returns the node variant.
func (n *Node) Kind() Kind { return n.kind }

// IsClear reports whether a directory node clears existing entries.
func (n *Node) IsClear() bool { return n.clear }

// Content returns the content of a file node.
func (n *Node) Content() []byte { return n.content }

// Target returns the target of a link node.
func (n *Node) Target() string { return n.target }

// Names returns the child names of a directory in insertion order.
func (n *Node) Names() []string {
	return append([]string(nil), n.names...)
}

// Lookup returns the child called name.
func (n *Node) Lookup(name string) (*Node, bool) {
	child, ok := n.children[name]
	return child, ok
}

// Validate returns the first construction error found in the tree.
func (n *Node) Validate() error {
	if n == nil {
		return oops.In("blueprint").Wrapf(ErrInvalidNode, "node is nil")
	}
	if n.err != nil {
		return n.err
	}
	for _, name := range n.names {
		if err := n.children[name].Validate(); err != nil {
			return oops.In("blueprint").With("name", name).Wrapf(err, "child %q", name)
		}
	}
	return nil
}

func (n *Node) fail(err error) {
	if n.err == nil {
		n.err = err
	}
}

func (n *Node) size() int {
	total := 1
	for _, name := range n.names {
		total += n.children[name].size()
	}
	return total
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return oops.In("blueprint").With("name", name).Wrapf(ErrInvalidNode, "invalid child name %q", name)
	case strings.ContainsAny(name, "/\x00"), strings.ContainsRune(name, filepath.Separator):
		return oops.In("blueprint").With("name", name).Wrapf(ErrInvalidNode, "child name %q is not a single path element", name)
	}
	return nil
}
