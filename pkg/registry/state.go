// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"time"

	"github.com/jllopis/handoff/internal/atomicfile"
	"github.com/jllopis/handoff/pkg/errors"
)

// stateDocument is the on-disk shape of the installed set.
type stateDocument struct {
	Installed   []string  `json:"installed"`
	ServerCount int       `json:"server_count"`
	LastUpdated time.Time `json:"last_updated"`
}

type stateFile struct {
	path string
}

func (s *stateFile) load() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodePersistence, "read registry state", err).
			WithContext("path", s.path)
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.New(errors.CodePersistence, "decode registry state", err).
			WithContext("path", s.path)
	}
	return doc.Installed, nil
}

func (s *stateFile) save(installed []string, serverCount int) error {
	if installed == nil {
		installed = []string{}
	}
	data, err := json.MarshalIndent(stateDocument{
		Installed:   installed,
		ServerCount: serverCount,
		LastUpdated: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return errors.New(errors.CodePersistence, "encode registry state", err)
	}
	if err := atomicfile.WriteFile(s.path, data); err != nil {
		return errors.New(errors.CodePersistence, "write registry state", err).
			WithContext("path", s.path)
	}
	return nil
}
