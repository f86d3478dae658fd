// Package params holds the nested parameter documents sent to the accelerator
// on configure and process requests.
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Tree is a nested parameter document. Nested documents are Tree values;
// leaves are JSON-compatible scalars or slices.
type Tree map[string]any

const (
	// KeyParameters carries a full parameter document, as a Tree, a JSON
	// literal or the path of a JSON file.
	KeyParameters = "parameters"
	KeyApp        = "app"
	KeyEnv        = "env"
	KeySpecific   = "specific"
)

// DefaultConfigure returns the document sent on configuration when nothing
// overrides it.
func DefaultConfigure() Tree {
	return Tree{
		KeyApp: Tree{
			"reset":                false,
			"reload":               true,
			"enable-sw-comparison": 0,
			"logging":              Tree{"format": 1, "verbosity": 2},
			KeySpecific:            Tree{},
		},
		KeyEnv: Tree{},
	}
}

// DefaultProcess returns the document sent on processing when nothing
// overrides it.
func DefaultProcess() Tree {
	return Tree{
		KeyApp: Tree{
			"reset":                false,
			"enable-sw-comparison": 0,
			"logging":              Tree{"format": 1, "verbosity": 4},
			KeySpecific:            Tree{},
		},
	}
}

// Clone returns a deep copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for key, value := range t {
		out[key] = cloneValue(value)
	}
	return out
}

// Merge returns a new document with overlay applied on top of base. Nested
// documents are merged key by key; any other overlay value replaces the base
// value. Neither argument is modified.
func Merge(base, overlay Tree) Tree {
	out := base.Clone()
	if out == nil {
		out = Tree{}
	}
	for key, value := range overlay {
		if sub, ok := AsTree(value); ok {
			if existing, ok := AsTree(out[key]); ok {
				out[key] = Merge(existing, sub)
				continue
			}
			out[key] = sub.Clone()
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

// Lookup returns the value found by walking path.
func (t Tree) Lookup(path ...string) (any, bool) {
	var current any = t
	for _, key := range path {
		node, ok := AsTree(current)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Sub returns the nested document at path, or nil if there is none.
func (t Tree) Sub(path ...string) Tree {
	value, ok := t.Lookup(path...)
	if !ok {
		return nil
	}
	sub, _ := AsTree(value)
	return sub
}

// Set stores value at path, creating intermediate documents as needed.
func (t Tree) Set(value any, path ...string) {
	if len(path) == 0 {
		return
	}
	node := t
	for _, key := range path[:len(path)-1] {
		next, ok := AsTree(node[key])
		if !ok {
			next = Tree{}
		}
		node[key] = next
		node = next
	}
	node[path[len(path)-1]] = value
}

// Specific returns the accelerator defined section app.specific.
func (t Tree) Specific() Tree {
	return t.Sub(KeyApp, KeySpecific)
}

// Keys returns the top level keys in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// JSON encodes the document.
func (t Tree) JSON() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t)
}

// Parse decodes a JSON document.
func Parse(data []byte) (Tree, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	tree, _ := AsTree(raw)
	return tree, nil
}

// Load reads a document from a JSON literal or, when ref does not start with
// '{', from the JSON file at that path.
func Load(ref string) (Tree, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "{") {
		return Parse([]byte(ref))
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read parameters file %q: %w", ref, err)
	}
	return Parse(data)
}

// Build applies caller overrides to a copy of defaults. The parameters key is
// merged as a full document. Keys that name a top level section of defaults
// are merged into that section. Every other key lands in app.specific.
func Build(defaults Tree, overrides map[string]any) (Tree, error) {
	result := defaults.Clone()
	if result == nil {
		result = Tree{}
	}

	if raw, ok := overrides[KeyParameters]; ok {
		full, err := resolveDocument(raw)
		if err != nil {
			return nil, err
		}
		result = Merge(result, full)
	}

	specific := Tree{}
	for key, value := range overrides {
		if key == KeyParameters {
			continue
		}
		if section, ok := AsTree(value); ok {
			if _, known := AsTree(defaults[key]); known {
				result = Merge(result, Tree{key: section})
				continue
			}
		}
		specific[key] = value
	}
	if len(specific) > 0 {
		result = Merge(result, Tree{KeyApp: Tree{KeySpecific: specific}})
	} else if result.Specific() == nil {
		result.Set(Tree{}, KeyApp, KeySpecific)
	}
	return result, nil
}

func resolveDocument(raw any) (Tree, error) {
	switch value := raw.(type) {
	case string:
		return Load(value)
	case []byte:
		return Parse(value)
	default:
		if tree, ok := AsTree(value); ok {
			return tree, nil
		}
		return nil, fmt.Errorf("unsupported parameters value of type %T", raw)
	}
}

// AsTree converts nested documents decoded from JSON or YAML into a Tree.
func AsTree(value any) (Tree, bool) {
	switch v := value.(type) {
	case Tree:
		return v, true
	case map[string]any:
		out := make(Tree, len(v))
		for key, item := range v {
			out[key] = normalize(item)
		}
		return out, true
	case map[any]any:
		out := make(Tree, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalize(item)
		}
		return out, true
	default:
		return nil, false
	}
}

func normalize(value any) any {
	if tree, ok := AsTree(value); ok {
		return tree
	}
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = normalize(item)
		}
		return out
	}
	return value
}

func cloneValue(value any) any {
	if tree, ok := AsTree(value); ok {
		return tree.Clone()
	}
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = cloneValue(item)
		}
		return out
	}
	return value
}
