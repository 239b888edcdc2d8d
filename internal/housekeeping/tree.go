package housekeeping

import (
	"fmt"
	"strings"

	"github.com/blockadesystems/acmekeeper/internal/model"
)

// level is one tier of a report tree. Rows are grouped on prefix+".name";
// children names the list holding the next tier.
type level struct {
	prefix   string
	children string
}

var (
	accountLevels = []level{
		{"account", "orders"},
		{"order", "authorizations"},
		{"authorization", "challenges"},
		{"challenge", ""},
	}
	certificateLevels = []level{
		{"account", "orders"},
		{"order", "certificates"},
		{"certificate", ""},
	}
	authorizationLevels = []level{
		{"account", "orders"},
		{"order", "authorizations"},
		{"authorization", ""},
	}
	orderLevels = []level{
		{"account", "orders"},
		{"order", ""},
	}
)

type treeNode struct {
	attrs    model.Row
	children []*treeNode
	index    map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{attrs: model.Row{}, index: map[string]*treeNode{}}
}

// child returns the child named key, creating it on first sight.
func (n *treeNode) child(key string) *treeNode {
	if c, ok := n.index[key]; ok {
		return c
	}
	c := newTreeNode()
	n.index[key] = c
	n.children = append(n.children, c)
	return c
}

// ToTree nests account report rows as account, order, authorization and
// challenge. Rows lacking one of the four names are returned as separate
// {"error_list": [row]} entries after the tree.
func ToTree(rows []model.Row) []model.Row {
	return buildTree(rows, accountLevels)
}

func buildTree(rows []model.Row, levels []level) []model.Row {
	root := newTreeNode()
	var errorList []model.Row

	for _, row := range rows {
		if !hasNames(row, levels) {
			errorList = append(errorList, model.Row{"error_list": []model.Row{row}})
			continue
		}

		perLevel := make([]model.Row, len(levels))
		for i := range perLevel {
			perLevel[i] = model.Row{}
		}
		for k, v := range row {
			perLevel[levelOf(k, levels)][k] = v
		}

		node := root
		for i, l := range levels {
			node = node.child(fmt.Sprint(row[l.prefix+".name"]))
			for k, v := range perLevel[i] {
				if _, ok := node.attrs[k]; !ok {
					node.attrs[k] = v
				}
			}
		}
	}

	out := render(root.children, levels)
	return append(out, errorList...)
}

func hasNames(row model.Row, levels []level) bool {
	for _, l := range levels {
		if v, ok := row[l.prefix+".name"]; !ok || v == nil {
			return false
		}
	}
	return true
}

// levelOf returns the tier a column belongs to. Columns with an unknown
// prefix belong to the leaf.
func levelOf(key string, levels []level) int {
	prefix, _, _ := strings.Cut(key, ".")
	for i, l := range levels {
		if l.prefix == prefix {
			return i
		}
	}
	return len(levels) - 1
}

func render(nodes []*treeNode, levels []level) []model.Row {
	out := make([]model.Row, 0, len(nodes))
	for _, n := range nodes {
		row := n.attrs.Clone()
		if levels[0].children != "" {
			row[levels[0].children] = render(n.children, levels[1:])
		}
		out = append(out, row)
	}
	return out
}
