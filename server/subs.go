package server

// subscriptions maps a clean path to the connections watching it. Matching
// is exact: ancestors and descendants of a path are not notified.
type subscriptions map[string]map[*conn]struct{}

func (s subscriptions) add(path string, c *conn) {
	set, ok := s[path]
	if !ok {
		set = make(map[*conn]struct{})
		s[path] = set
	}
	set[c] = struct{}{}
}

func (s subscriptions) remove(path string, c *conn) {
	set := s[path]
	delete(set, c)
	if len(set) == 0 {
		delete(s, path)
	}
}

// drop removes c from every entry.
func (s subscriptions) drop(c *conn) {
	for path := range s {
		s.remove(path, c)
	}
}

func (s subscriptions) watchers(path string) map[*conn]struct{} {
	return s[path]
}
