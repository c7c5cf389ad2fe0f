package contentcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/kozaktomas/face-finder/internal/source"
	"go.uber.org/zap"
)

const mappingFileName = "file_id_mapping.json"

// findPermanent looks for f in long-term storage. It first consults
// <permanent>/<tenant>/file_id_mapping.json (file id -> filename) and then
// looks for the original name in every direct subdirectory of the tenant.
func (c *Cache) findPermanent(tenant string, f source.FileInfo) (string, bool) {
	if c.permanentDir == "" || f.ID == "" || !safeName(tenant) {
		return "", false
	}
	root := filepath.Join(c.permanentDir, tenant)

	if data, err := os.ReadFile(filepath.Join(root, mappingFileName)); err == nil {
		var mapping map[string]string
		if err := json.Unmarshal(data, &mapping); err != nil {
			c.logger.Warn("invalid file id mapping", zap.String("tenant", tenant), zap.Error(err))
		} else if name, ok := mapping[f.ID]; ok && safeRelative(name) {
			path := filepath.Join(root, filepath.FromSlash(name))
			if fileExists(path) {
				return path, true
			}
		}
	}

	if !safeName(f.Name) {
		return "", false
	}
	items, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		candidate := filepath.Join(root, item.Name(), f.Name)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func safeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func safeRelative(name string) bool {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, `\`) {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
