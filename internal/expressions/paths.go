package expressions

import "sort"

// AvailablePaths performs a bounded traversal of the context tree and emits
// the path expressions reachable from the root, for authoring autocomplete.
// Mappings contribute dotted paths; sequences contribute "[]", "[0]" and,
// when longer than one element, "[-1]" access patterns.
func AvailablePaths(data map[string]any, maxDepth int) []string {
	seen := make(map[string]struct{})

	var walk func(v any, path string, depth int)
	walk = func(v any, path string, depth int) {
		if depth > maxDepth {
			return
		}
		switch val := v.(type) {
		case map[string]any:
			for key, child := range val {
				childPath := path + "." + key
				seen[childPath] = struct{}{}
				walk(child, childPath, depth+1)
			}
		case []any:
			if len(val) == 0 {
				return
			}
			seen[path+"[]"] = struct{}{}
			seen[path+"[0]"] = struct{}{}
			if len(val) > 1 {
				seen[path+"[-1]"] = struct{}{}
			}
			walk(val[0], path+"[]", depth+1)
		}
	}
	walk(data, "$", 0)

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
