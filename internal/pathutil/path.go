// Package pathutil reads and writes values in nested structures by
// dot-path ("job.status", "crew.members.0.email"). It is the lookup
// layer shared by condition evaluation and action templating, so it
// must never panic: any unresolvable segment yields (nil, false).
package pathutil

import (
	"strconv"
	"strings"
)

// Get resolves path against root. Numeric segments index slices.
// Returns (nil, false) when any segment cannot be resolved.
func Get(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return nil, false
		}
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate maps as needed.
// Existing non-map intermediates are overwritten with maps. Slices are
// not created implicitly; a numeric segment into a missing slice fails.
func Set(root map[string]interface{}, path string, value interface{}) bool {
	if root == nil || path == "" {
		return false
	}
	segs := strings.Split(path, ".")
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return true
}
