package artifact

import (
	"sort"
	"strings"
)

// FormatTree renders nodes like the tree command: folders first, then
// files, each group ordered by position.
func FormatTree(nodes []Node) string {
	var lines []string
	formatTree(nodes, "", &lines)
	return strings.Join(lines, "\n")
}

func formatTree(nodes []Node, prefix string, lines *[]string) {
	sorted := sortedNodes(nodes)
	for i, n := range sorted {
		last := i == len(sorted)-1
		connector, extension := "├── ", "│   "
		if last {
			connector, extension = "└── ", "    "
		}
		if n.IsFolder() {
			*lines = append(*lines, prefix+connector+n.Name+"/")
			formatTree(n.Children, prefix+extension, lines)
			continue
		}
		*lines = append(*lines, prefix+connector+n.Name)
	}
}

func sortedNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := out[i].IsFolder(), out[j].IsFolder()
		if fi != fj {
			return fi
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// FlattenPaths returns the slash-separated path of every file in nodes.
// A node with children is treated as a folder whatever its kind.
func FlattenPaths(nodes []Node) []string {
	var out []string
	flatten(nodes, "", &out)
	return out
}

func flatten(nodes []Node, prefix string, out *[]string) {
	for _, n := range nodes {
		p := prefix + n.Name
		if n.IsFolder() || len(n.Children) > 0 {
			flatten(n.Children, p+"/", out)
			continue
		}
		*out = append(*out, p)
	}
}
