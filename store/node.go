package store

import (
	"encoding/json"
	"sort"
)

var emptyDir = Node{Children: map[string]Node{}}

// A Node is either a leaf holding a Value or a directory of named children.
// Children is nil for a leaf and non-nil (possibly empty) for a directory.
//
// This structure should be kept immutable. Set returns replacement nodes and
// never modifies a map that is reachable from an existing Node.
type Node struct {
	Value    Value
	Children map[string]Node
}

// Leaf returns a leaf node holding v.
func Leaf(v Value) Node {
	return Node{Value: v}
}

// Dir returns a directory node with the given children.
func Dir(children map[string]Node) Node {
	if children == nil {
		children = map[string]Node{}
	}
	return Node{Children: children}
}

func (n Node) IsLeaf() bool { return n.Children == nil }

// Names returns the names of n's children in sorted order.
func (n Node) Names() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (n Node) String() string {
	if n.IsLeaf() {
		return "<leaf " + n.Value.String() + ">"
	}
	return "<dir>"
}

func (n Node) at(parts []string) (Node, error) {
	for i, part := range parts {
		if n.IsLeaf() {
			return Node{}, &PathError{Path: join(parts), Err: ErrNotDir, At: join(parts[:i])}
		}
		m, ok := n.Children[part]
		if !ok {
			return Node{}, &PathError{Path: join(parts), Err: ErrNotFound, At: join(parts[:i+1])}
		}
		n = m
	}
	return n, nil
}

func copyMap(a map[string]Node) map[string]Node {
	b := make(map[string]Node, len(a)+1)
	for k, v := range a {
		b[k] = v
	}
	return b
}

// Return value is replacement node
func (n Node) set(parts []string, v Value) Node {
	if len(parts) == 0 {
		return Leaf(v)
	}

	// Leaves in the way become directories.
	n.Children = copyMap(n.Children)
	n.Value = Value{}
	n.Children[parts[0]] = n.Children[parts[0]].set(parts[1:], v)
	return n
}

// Walk calls fn for every leaf at or below n, in path order. path is n's
// own path. Walk stops early and returns true if fn returns true.
func Walk(n Node, path string, fn func(path string, v Value) (stop bool)) bool {
	if n.IsLeaf() {
		return fn(Clean(path), n.Value)
	}
	for _, name := range n.Names() {
		if Walk(n.Children[name], child(path, name), fn) {
			return true
		}
	}
	return false
}

type jsonNode struct {
	Value    *Value          `json:"value,omitempty"`
	Children map[string]Node `json:"children,omitempty"`
}

// MarshalJSON writes a leaf as {"value": ...} and a directory as
// {"children": {...}}, empty or not.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.IsLeaf() {
		v := n.Value
		return json.Marshal(jsonNode{Value: &v})
	}
	return json.Marshal(struct {
		Children map[string]Node `json:"children"`
	}{n.Children})
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var jn jsonNode
	if err := json.Unmarshal(b, &jn); err != nil {
		return err
	}
	switch {
	case jn.Children != nil:
		*n = Dir(jn.Children)
	case jn.Value != nil:
		*n = Leaf(*jn.Value)
	default:
		*n = Leaf(Value{})
	}
	return nil
}
