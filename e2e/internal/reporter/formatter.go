package reporter

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveTimeline saves a timeline report to a file
func SaveTimeline(content string, filename string) error {
	return writeFile(filename, []byte(content))
}

// writeFile writes data to filename, creating parent directories
func writeFile(filename string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
