package metadata

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/u-root/u-root/pkg/dt"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// Property value types.
const (
	TypeString = "string"
	TypeU32    = "u32"
	TypeBytes  = "bytes"
)

// Tree is a parsed hardware description blob. Properties are addressed by
// their node path relative to the root and map to [type, value] pairs.
type Tree map[string]map[string][2]any

// ParseBlob reads a flattened device tree blob into a Tree.
func ParseBlob(r io.ReadSeeker) (Tree, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, &errors.ParseError{What: "device tree blob", Err: err}
	}
	if fdt.RootNode == nil {
		return nil, &errors.ParseError{What: "device tree blob: no root node"}
	}

	tree := Tree{}
	walk(tree, "", fdt.RootNode)
	return tree, nil
}

func walk(tree Tree, path string, n *dt.Node) {
	props := make(map[string][2]any, len(n.Properties))
	for _, p := range n.Properties {
		props[p.Name] = tagValue(p.Value)
	}
	tree[path] = props

	for _, child := range n.Children {
		childPath := child.Name
		if path != "" {
			childPath = path + "/" + child.Name
		}
		walk(tree, childPath, child)
	}
}

// tagValue classifies a raw property value.
func tagValue(raw []byte) [2]any {
	if s, ok := asStrings(raw); ok {
		if len(s) == 1 {
			return [2]any{TypeString, s[0]}
		}
		return [2]any{TypeString, s}
	}
	if len(raw) > 0 && len(raw)%4 == 0 {
		cells := make([]uint32, len(raw)/4)
		for i := range cells {
			cells[i] = binary.BigEndian.Uint32(raw[i*4:])
		}
		if len(cells) == 1 {
			return [2]any{TypeU32, cells[0]}
		}
		return [2]any{TypeU32, cells}
	}
	return [2]any{TypeBytes, raw}
}

// asStrings decodes a NUL separated list of printable strings.
func asStrings(raw []byte) ([]string, bool) {
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return nil, false
	}
	parts := bytes.Split(raw[:len(raw)-1], []byte{0})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			return nil, false
		}
		for _, c := range p {
			if c < 0x20 || c > 0x7e {
				return nil, false
			}
		}
		out = append(out, string(p))
	}
	return out, true
}

// String returns the string value of a property, element 1 of its pair.
func (t Tree) String(node, prop string) (string, bool) {
	props, ok := t[strings.Trim(node, "/")]
	if !ok {
		return "", false
	}
	pair, ok := props[prop]
	if !ok {
		return "", false
	}
	switch v := pair[1].(type) {
	case string:
		return v, true
	case []string:
		return strings.Join(v, " "), true
	}
	return "", false
}
