package kiln

// visit states for the depth-first walk
const (
	unvisited = iota
	visiting
	done
)

// Resolve returns root and its transitive dependencies ordered so that every
// recipe comes after all of its dependencies. Dependencies are visited in
// the order they are declared, so the result is deterministic.
func Resolve(set *RecipeSet, root string) ([]*Recipe, error) {
	if _, ok := set.Get(root); !ok {
		return nil, &UnresolvedDependencyError{Dependency: root}
	}

	state := make(map[string]int, set.Len())
	var (
		order []*Recipe
		stack []string
	)

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &CyclicDependencyError{Cycle: cyclePath(stack, name)}
		}

		r, ok := set.Get(name)
		if !ok {
			return &UnresolvedDependencyError{Recipe: requiredBy, Dependency: name}
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range r.Dependencies {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, r)
		return nil
	}

	if err := visit(root, ""); err != nil {
		return nil, err
	}
	debugf("resolved %d recipes for %s\n", len(order), root)
	return order, nil
}

// cyclePath extracts the cycle from the DFS stack: the path from the first
// occurrence of name back to name.
func cyclePath(stack []string, name string) []string {
	for i, n := range stack {
		if n == name {
			cycle := append([]string{}, stack[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name, name}
}

// Partition splits a resolved order into groups with no dependency edges
// between them. Each group keeps the relative order of order, and groups are
// sorted by the position of their first member.
func Partition(order []*Recipe) [][]*Recipe {
	index := make(map[string]int, len(order))
	for i, r := range order {
		index[r.Name] = i
	}

	parent := make([]int, len(order))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for i, r := range order {
		for _, dep := range r.Dependencies {
			if j, ok := index[dep]; ok {
				union(i, j)
			}
		}
	}

	groupOf := make(map[int]int)
	var groups [][]*Recipe
	for i, r := range order {
		root := find(i)
		g, ok := groupOf[root]
		if !ok {
			g = len(groups)
			groupOf[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], r)
	}
	return groups
}
