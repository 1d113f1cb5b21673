package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// splitPath normalises path and splits it into parent and child name
func splitPath(path string) (parent, name string, err error) {
	path = cleanPath(path)
	i := strings.LastIndexByte(path, '/')
	if path == "" || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid path %q", path)
	}
	if i < 0 {
		return "", path, nil
	}
	return path[:i], path[i+1:], nil
}

func cleanPath(path string) string {
	return strings.Trim(path, "/")
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// newChildID returns a UUIDv7, whose text form sorts by creation time
func newChildID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

// mergeFields overlays top-level fields onto a JSON object
func mergeFields(doc []byte, fields map[string]any) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %q: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// ceilTime rounds at up to the backend's resolution so that an entry is
// never reported due before its deadline
func ceilTime(at time.Time, unit time.Duration) time.Time {
	t := at.Truncate(unit)
	if t.Before(at) {
		t = t.Add(unit)
	}
	return t
}
