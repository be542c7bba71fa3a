// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/handoff/pkg/errors"
)

// LoadFile loads a plan from a YAML or JSON file.
func LoadFile(path string) (*Plan, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "plan path is required", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, "read plan file", err).WithContext("path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return parseAuto(data)
	}
}

func parseAuto(data []byte) (*Plan, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		if plan, err := ParseJSON(data); err == nil {
			return plan, nil
		}
	}
	if plan, err := ParseYAML(data); err == nil {
		return plan, nil
	}
	if plan, err := ParseJSON(data); err == nil {
		return plan, nil
	}
	return nil, invalid("unsupported plan format")
}
