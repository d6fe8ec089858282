// Package store holds the network table's hierarchical key/value tree.
//
// A Tree has no locking of its own. The server touches it from a single
// goroutine; anyone else must go through that goroutine.
package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound means a path names nothing in the tree.
	ErrNotFound = errors.New("node not found")

	// ErrNotDir means traversal tried to descend through a leaf. It is a
	// flavour of ErrNotFound: errors.Is(ErrNotDir, ErrNotFound) is true.
	ErrNotDir error = notDir{}
)

type notDir struct{}

func (notDir) Error() string        { return "not a directory" }
func (notDir) Is(target error) bool { return target == ErrNotFound }

// PathError records a failed lookup and the prefix at which it failed.
type PathError struct {
	Path string
	At   string
	Err  error
}

func (e *PathError) Error() string {
	if e.Err == ErrNotDir {
		return e.Path + ": " + e.At + " is a leaf"
	}
	return e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// Split breaks path into its segments. Leading, trailing and repeated
// separators are ignored, so "", "/" and "//" all name the root.
func Split(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func join(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

// Clean returns the canonical spelling of path: a leading slash, no
// trailing or repeated slashes. The root is "/".
func Clean(path string) string {
	return join(Split(path))
}

func child(dir, name string) string {
	dir = Clean(dir)
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Tree is a rooted tree of Nodes addressed by slash-separated paths.
type Tree struct {
	root Node
}

// New returns a tree whose root is an empty directory.
func New() *Tree {
	return &Tree{root: emptyDir}
}

// Root returns a snapshot of the whole tree.
func (t *Tree) Root() Node {
	return t.root
}

// GetNode returns the node at path. It fails with a *PathError wrapping
// ErrNotFound if a segment is missing, or ErrNotDir if a segment before the
// last names a leaf.
//
// The returned Node is a snapshot; later calls to SetNode do not change it.
func (t *Tree) GetNode(path string) (Node, error) {
	return t.root.at(Split(path))
}

// SetNode installs a leaf holding v at path, replacing whatever was there
// before, leaf or subtree. Missing directories along the way are created and
// leaves along the way are turned into directories. Setting the root path
// replaces the whole tree.
func (t *Tree) SetNode(path string, v Value) {
	t.root = t.root.set(Split(path), v)
}
