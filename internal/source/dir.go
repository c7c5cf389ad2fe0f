package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirSource serves files below a local directory. File ids are slash
// separated paths relative to the root.
type DirSource struct {
	root string
}

func NewDirSource(root string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}
	return &DirSource{root: root}, nil
}

func (s *DirSource) List(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			ID:           filepath.ToSlash(rel),
			Name:         d.Name(),
			Size:         info.Size(),
			ModifiedTime: info.ModTime(),
			MIMEType:     mime.TypeByExtension(strings.ToLower(filepath.Ext(d.Name()))),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.root, err)
	}
	return files, nil
}

func (s *DirSource) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{FileID: id, Err: err}
	}
	clean := path.Clean(id)
	if id == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, &FetchError{FileID: id, Err: errors.New("invalid file id")}
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(clean))) //nolint:gosec // id confined to root above
	if err != nil {
		return nil, &FetchError{FileID: id, Retryable: !errors.Is(err, fs.ErrNotExist), Err: err}
	}
	return data, nil
}
