package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"egress-pool/pkg/models"
)

func parseJSON(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return v, nil
}

// lookup walks a dot separated path ("data.items.0.ip") through decoded
// JSON. An empty path returns v itself.
func lookup(v interface{}, path string) (interface{}, bool) {
	if path == "" {
		return v, true
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			v = node[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// itemsAt returns the list at path. When path is empty and the document is
// an object, the first list valued field named in fallbacks is used.
func itemsAt(doc interface{}, path string, fallbacks ...string) []interface{} {
	if path == "" {
		for _, key := range fallbacks {
			if v, ok := lookup(doc, key); ok {
				if list, ok := v.([]interface{}); ok {
					return list
				}
			}
		}
	}
	v, ok := lookup(doc, path)
	if !ok {
		return nil
	}
	list, _ := v.([]interface{})
	return list
}

func stringAt(item interface{}, path string) string {
	v, ok := lookup(item, path)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// portAt reads a port, falling back to def when absent. ok is false for a
// present but invalid port.
func portAt(item interface{}, path string, def int) (port int, ok bool) {
	s := stringAt(item, path)
	if s == "" {
		return def, def > 0 && def <= 65535
	}
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func validIP(s string) bool {
	return net.ParseIP(s) != nil
}

func resourceTypeOr(raw string, fallback models.ResourceType) models.ResourceType {
	if raw != "" {
		return models.ParseResourceType(raw)
	}
	if fallback != "" {
		return fallback
	}
	return models.DatacenterType
}

func bearer(key string) []string {
	if key == "" {
		return nil
	}
	return []string{"Authorization: Bearer " + key}
}
