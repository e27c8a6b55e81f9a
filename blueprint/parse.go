package blueprint

import (
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Marker prefixes setting keys in the mini-notation. Keys without it name
// child nodes.
const Marker = "#"

// Setting keys understood by Parse.
const (
	SettingType    = "type"
	SettingContent = "content"
	SettingTo      = "to"
	SettingClear   = "clear"
)

// Parse decodes a blueprint written in the mini-notation. The document is a
// YAML (or JSON) mapping; children keep their document order.
//
//	"#clear": true
//	site-a:
//	  current:
//	    "#type": link
//	    "#to": releases/20240101000000000
//	.env:
//	  "#type": file
//	  "#content": "MAIL=a@x.test\n"
func Parse(data []byte) (*Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.In("blueprint").Wrapf(err, "decode blueprint")
	}
	if doc.Kind == 0 {
		return Dir(), nil
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	n, err := decodeNode(root)
	if err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

type settings struct {
	kind     Kind
	content  *string
	to       *string
	clear    bool
	hasClear bool
}

func decodeNode(value *yaml.Node) (*Node, error) {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		return Dir(), nil
	}
	if value.Kind != yaml.MappingNode {
		return nil, oops.In("blueprint").With("line", value.Line).Wrapf(ErrInvalidNode, "node must be a mapping")
	}

	var s settings
	var children []*yaml.Node
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if !strings.HasPrefix(key.Value, Marker) {
			children = append(children, key, val)
			continue
		}
		if err := s.set(strings.TrimPrefix(key.Value, Marker), val); err != nil {
			return nil, err
		}
	}

	n, err := s.build(value.Line)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 && n.kind != KindDirectory {
		return nil, oops.In("blueprint").With("line", value.Line, "kind", n.kind.String()).Wrapf(ErrInvalidNode, "%s nodes cannot have children", n.kind)
	}
	for i := 0; i < len(children); i += 2 {
		name := children[i].Value
		child, err := decodeNode(children[i+1])
		if err != nil {
			return nil, oops.In("blueprint").With("name", name).Wrapf(err, "child %q", name)
		}
		n.Child(name, child)
	}
	return n, nil
}

func (s *settings) set(key string, val *yaml.Node) error {
	switch key {
	case SettingType:
		kind, err := ParseKind(val.Value)
		if err != nil {
			return oops.In("blueprint").With("line", val.Line).Wrapf(err, "setting %s%s", Marker, key)
		}
		s.kind = kind
	case SettingContent:
		var content string
		if err := val.Decode(&content); err != nil {
			return oops.In("blueprint").With("line", val.Line).Wrapf(err, "setting %s%s", Marker, key)
		}
		s.content = &content
	case SettingTo:
		var to string
		if err := val.Decode(&to); err != nil {
			return oops.In("blueprint").With("line", val.Line).Wrapf(err, "setting %s%s", Marker, key)
		}
		s.to = &to
	case SettingClear:
		if err := val.Decode(&s.clear); err != nil {
			return oops.In("blueprint").With("line", val.Line).Wrapf(err, "setting %s%s", Marker, key)
		}
		s.hasClear = true
	default:
		return oops.In("blueprint").With("line", val.Line, "setting", key).Wrapf(ErrInvalidNode, "unknown setting %s%s", Marker, key)
	}
	return nil
}

func (s *settings) build(line int) (*Node, error) {
	invalid := func(setting string) error {
		return oops.In("blueprint").With("line", line, "kind", s.kind.String()).Wrapf(ErrInvalidNode, "setting %s%s does not apply to %s nodes", Marker, setting, s.kind)
	}
	if s.content != nil && s.kind != KindFile {
		return nil, invalid(SettingContent)
	}
	if s.to != nil && s.kind != KindLink {
		return nil, invalid(SettingTo)
	}
	if s.hasClear && s.kind != KindDirectory {
		return nil, invalid(SettingClear)
	}

	switch s.kind {
	case KindFile:
		var content []byte
		if s.content != nil {
			content = []byte(*s.content)
		}
		return File(content), nil
	case KindLink:
		if s.to == nil {
			return nil, oops.In("blueprint").With("line", line).Wrapf(ErrInvalidNode, "link nodes require %s%s", Marker, SettingTo)
		}
		return Link(*s.to), nil
	case KindAbsent:
		return Absent(), nil
	default:
		n := Dir()
		if s.clear {
			n.Clear()
		}
		return n, nil
	}
}
