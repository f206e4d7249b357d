package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/corvid-systems/nnexec/internal/planfile"
)

// loadPlanFile reads a plan from disk, dispatching on extension.
func loadPlanFile(path string) (*planfile.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %q: %w", path, err)
	}
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".json"):
		return planfile.LoadJSON(data)
	default:
		return planfile.LoadYAML(data)
	}
}
