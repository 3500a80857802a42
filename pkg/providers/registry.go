package providers

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Descriptor is the on-disk shape of an extra provider. Only api-key
// integrations may be added this way; OAuth endpoints stay compiled in so
// the handshake surface cannot be widened by configuration.
type Descriptor struct {
	Code        string `json:"code" yaml:"code"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Description string `json:"description" yaml:"description"`
}

// LoadRegistryDir merges api-key provider descriptors from a directory of
// YAML/JSON files into the catalog. Missing dir is not an error.
func (c *Catalog) LoadRegistryDir(dir string, log *zap.SugaredLogger) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var desc Descriptor
		if ext == ".json" {
			err = json.Unmarshal(b, &desc)
		} else {
			err = yaml.Unmarshal(b, &desc)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := c.add(Config{
			Code:        desc.Code,
			DisplayName: desc.DisplayName,
			Description: desc.Description,
			AuthType:    AuthTypeAPIKey,
		}); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
		log.Infow("registered api-key provider", "code", desc.Code, "file", filepath.Base(path))
		return nil
	})
}
