package category

// Node is one level of the category tree built by KeysToDict. Key is set when the
// path from the root to this node is itself a known key.
type Node struct {
	Key      *Item            `json:"key,omitempty"`
	Children map[string]*Node `json:"children,omitempty"`
}

// KeysToDict arranges flat keys into a nested tree by segment. It does not modify keys.
func KeysToDict(keys []Item) map[string]*Node {
	root := make(map[string]*Node)
	for _, k := range keys {
		segs := k.Segments()
		if len(segs) == 0 {
			continue
		}
		level := root
		var node *Node
		for _, seg := range segs {
			n, ok := level[seg]
			if !ok {
				n = &Node{}
				level[seg] = n
			}
			node = n
			if n.Children == nil {
				n.Children = make(map[string]*Node)
			}
			level = n.Children
		}
		key := k
		node.Key = &key
	}
	prune(root)
	return root
}

func prune(level map[string]*Node) {
	for _, n := range level {
		if len(n.Children) == 0 {
			n.Children = nil
			continue
		}
		prune(n.Children)
	}
}

// Lookup walks the tree along probe, honoring wildcard segments, and returns every
// key found at the end of a matching path.
func Lookup(tree map[string]*Node, probe Item) []Item {
	var out []Item
	var walk func(level map[string]*Node, segs []string)
	walk = func(level map[string]*Node, segs []string) {
		if len(segs) == 0 {
			return
		}
		visit := func(n *Node) {
			if len(segs) == 1 {
				if n.Key != nil {
					out = append(out, *n.Key)
				}
				return
			}
			walk(n.Children, segs[1:])
		}
		if segs[0] == Wildcard {
			for _, n := range level {
				visit(n)
			}
			return
		}
		if n, ok := level[segs[0]]; ok {
			visit(n)
		}
	}
	walk(tree, probe.Segments())
	Sort(out)
	return out
}
