// Package identity loads and persists the process-wide hive node
// identity: the node's name, the path to its private key, and an
// optional shared password used to derive a session key.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "hivemind"
	configFileName = "identity.json"
)

// Identity is the persisted node identity record.
type Identity struct {
	Name           string `json:"name"`
	PrivateKeyPath string `json:"key"`
	Password       string `json:"password,omitempty"`

	path string
}

// Load resolves the identity file's XDG path, creating it empty if
// necessary, and unmarshals it. Name defaults to the basename of
// PrivateKeyPath, or "unnamed-node" if that is also unset.
func Load() (*Identity, error) {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		return nil, err
	}

	id := &Identity{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, id); err != nil {
			return nil, err
		}
	}

	id.applyDefaults()
	return id, nil
}

func (id *Identity) applyDefaults() {
	if id.Name != "" {
		return
	}
	if id.PrivateKeyPath != "" {
		id.Name = filepath.Base(id.PrivateKeyPath)
		return
	}
	id.Name = "unnamed-node"
}

// Save persists the identity back to its XDG path.
func (id *Identity) Save() error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(id.path, data, xdg.NewFilePermissions)
}

// Reload re-reads the identity from disk, discarding in-memory changes.
// The supervisor calls this once per connect attempt. An identity
// constructed in memory (no backing file) keeps its current values.
func (id *Identity) Reload() error {
	if id.path == "" {
		id.applyDefaults()
		return nil
	}

	data, err := os.ReadFile(id.path)
	if err != nil {
		return err
	}

	*id = Identity{path: id.path}
	if len(data) > 0 {
		if err := json.Unmarshal(data, id); err != nil {
			return err
		}
	}
	id.applyDefaults()
	return nil
}
