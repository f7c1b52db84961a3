package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadJSONFile reads a JSON file into out, which must be a pointer.
// Used for profiles and any other operator-edited settings file.
func LoadJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
