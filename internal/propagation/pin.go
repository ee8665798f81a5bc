package propagation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/svanichkin/configobj"
)

// FilePinStore persists the pinned propagation node hash in a small
// configobj file, the same ini-ish format and load/edit/save pattern
// the rest of this node's settings use.
type FilePinStore struct {
	path string
}

func NewFilePinStore(storageDir string) *FilePinStore {
	return &FilePinStore{path: filepath.Join(storageDir, "propagation_pin")}
}

func (s *FilePinStore) LoadPin() (string, error) {
	cfg, err := configobj.Load(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("propagation: load pin file: %w", err)
	}
	sec := cfg.Section("propagation")
	if sec == nil {
		return "", nil
	}
	hashHex, _ := sec.Get("pinned_node")
	return hashHex, nil
}

func (s *FilePinStore) SavePin(hashHex string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("propagation: create storage dir: %w", err)
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := os.WriteFile(s.path, []byte("[propagation]\npinned_node = \n"), 0o644); err != nil {
			return fmt.Errorf("propagation: write default pin file: %w", err)
		}
	}
	cfg, err := configobj.Load(s.path)
	if err != nil {
		return fmt.Errorf("propagation: load pin file: %w", err)
	}
	if !cfg.HasSection("propagation") {
		cfg.Section("propagation")
	}
	cfg.Section("propagation").Set("pinned_node", hashHex)
	return cfg.Save(s.path)
}
