package governance

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// DefaultAgentsFile is the project instructions file looked up by LoadAGENTS.
const DefaultAgentsFile = "AGENTS.md"

// AgentInstructions is a loaded AGENTS.md. Its text is prepended to every
// reasoning prompt.
type AgentInstructions struct {
	Path     string
	Raw      string
	LoadedAt time.Time
}

// Preamble is the trimmed text; "" for a nil document.
func (a *AgentInstructions) Preamble() string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.Raw)
}

// LoadAGENTS finds name in startDir or the closest ancestor holding it. An
// absolute name is read as is. No file is not an error: the result is nil.
func LoadAGENTS(startDir, name string) (*AgentInstructions, error) {
	if strings.TrimSpace(startDir) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "startDir is required", nil)
	}
	if name == "" {
		name = DefaultAgentsFile
	}
	if filepath.IsAbs(name) {
		return readAGENTS(name)
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "resolve "+startDir, err)
	}
	for ; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return readAGENTS(candidate)
		}
		if filepath.Dir(dir) == dir {
			return nil, nil
		}
	}
}

func readAGENTS(path string) (*AgentInstructions, error) {
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.New(errors.CodeNotFound, "read "+path, err)
	}
	return &AgentInstructions{Path: path, Raw: string(raw), LoadedAt: time.Now().UTC()}, nil
}
