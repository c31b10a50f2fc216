package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile parses and validates a single strategy definition file
func LoadFile(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading strategy file %s: %w", path, err)
	}

	var def Strategy
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("error parsing strategy file %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy in %s: %w", path, err)
	}
	return &def, nil
}

// LoadDir loads every *.json strategy definition in a directory. A missing
// directory is not an error, the executor can run purely on remote commands.
func LoadDir(dir string) ([]*Strategy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading strategies dir %s: %w", dir, err)
	}

	var defs []*Strategy
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("duplicate strategy id %q in %s and %s", def.ID, prev, path)
		}
		seen[def.ID] = path
		defs = append(defs, def)
	}
	return defs, nil
}
