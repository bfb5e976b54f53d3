package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Notebook is the notebook-level config.toml at the brain root. The
// runner only validates the id invariants; everything else belongs to
// the entry-authoring tools.
type Notebook struct {
	IDLength  int    `toml:"id-length"`
	IDCharset string `toml:"id-charset"`
}

// NotebookPath returns the config.toml location under the brain root.
func NotebookPath(brainDir string) string {
	return filepath.Join(brainDir, "config.toml")
}

// LoadNotebook parses the notebook config.
func LoadNotebook(brainDir string) (Notebook, error) {
	var nb Notebook
	data, err := os.ReadFile(NotebookPath(brainDir))
	if err != nil {
		return nb, fmt.Errorf("read notebook config: %w", err)
	}
	if err := toml.Unmarshal(data, &nb); err != nil {
		return nb, fmt.Errorf("parse notebook config: %w", err)
	}
	return nb, nil
}

// Validate checks the invariants the runner depends on: 8-char lowercase
// alphanumeric task ids.
func (n Notebook) Validate() error {
	if n.IDLength != 8 {
		return fmt.Errorf("notebook id-length must be 8, got %d", n.IDLength)
	}
	if n.IDCharset != "alphanum" {
		return fmt.Errorf("notebook id-charset must be %q, got %q", "alphanum", n.IDCharset)
	}
	return nil
}
