package blueprint

// Merge returns a new tree combining base and overlay. Directories present in
// both are merged recursively: children are unioned, overlay children win,
// and the result clears if either side clears. In every other case the
// overlay node replaces the base node. Neither input is modified.
func Merge(base, overlay *Node) *Node {
	switch {
	case overlay == nil:
		return base.clone()
	case base == nil:
		return overlay.clone()
	case base.kind != KindDirectory || overlay.kind != KindDirectory:
		return overlay.clone()
	}

	merged := base.clone()
	if overlay.clear {
		merged.clear = true
	}
	merged.fail(overlay.err)
	for _, name := range overlay.names {
		child := overlay.children[name]
		if existing, ok := merged.children[name]; ok {
			child = Merge(existing, child)
		} else {
			child = child.clone()
		}
		merged.Child(name, child)
	}
	return merged
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		kind:    n.kind,
		clear:   n.clear,
		content: n.content,
		target:  n.target,
		err:     n.err,
	}
	if n.kind == KindDirectory {
		c.names = append([]string(nil), n.names...)
		c.children = make(map[string]*Node, len(n.children))
		for name, child := range n.children {
			c.children[name] = child.clone()
		}
	}
	return c
}
