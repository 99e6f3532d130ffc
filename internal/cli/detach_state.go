package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// detachState remembers a session left running by 'record --detach' so
// 'attach' can find it without the key.
type detachState struct {
	Type          string `json:"type"` // "detach_state"
	SchemaVersion int    `json:"schemaVersion"`
	Key           string `json:"key"`
	SocketDir     string `json:"socket_dir,omitempty"`
	SessionName   string `json:"unique_session_name,omitempty"`
	ConfigPath    string `json:"config_path,omitempty"`
	DetachedAt    string `json:"detached_at,omitempty"`
}

func detachStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".traced", "detached")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultDetachStatePath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is required for detach state path")
	}
	if strings.ContainsAny(key, `/\`) {
		return "", errors.New("detach key must not contain path separators")
	}
	dir, err := detachStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, key+".json"), nil
}

func loadDetachState(path string) (*detachState, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("detach state path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st detachState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func saveDetachState(path string, st *detachState) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("detach state path is required")
	}
	if st == nil {
		return errors.New("detach state is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}

// latestDetachState returns the most recently detached session recorded in
// dir, or nil if there is none.
func latestDetachState(dir string) (*detachState, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var states []*detachState
	for _, path := range matches {
		st, err := loadDetachState(path)
		if err != nil || st == nil {
			continue
		}
		states = append(states, st)
	}
	if len(states) == 0 {
		return nil, nil
	}
	sort.SliceStable(states, func(i, j int) bool {
		ti, _ := parseRFC3339Any(states[i].DetachedAt)
		tj, _ := parseRFC3339Any(states[j].DetachedAt)
		return ti.After(tj)
	})
	return states[0], nil
}

func parseRFC3339Any(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	// Try nano first (what we emit), fall back to second precision.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
