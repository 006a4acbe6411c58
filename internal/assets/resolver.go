// Package assets maps asset keys onto files below a set of asset roots.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when no candidate exists under any root
var ErrNotFound = fmt.Errorf("asset not found: %w", fs.ErrNotExist)

// Resolver looks up asset keys under its roots in order
type Resolver struct {
	fs    afero.Afero
	roots []string
}

// NewResolver creates a resolver over the given roots. Empty roots are dropped.
func NewResolver(fsys afero.Fs, roots []string) *Resolver {
	roots = lo.Uniq(lo.Filter(roots, func(r string, _ int) bool {
		return strings.TrimSpace(r) != ""
	}))
	return &Resolver{fs: afero.Afero{Fs: fsys}, roots: roots}
}

// Roots returns the configured asset roots
func (r *Resolver) Roots() []string {
	return append([]string(nil), r.roots...)
}

// Resolve returns the first existing regular file for asset.
//
// An absolute key is tried as is. Otherwise each root is tried with the key as
// given, then without a leading "assets/" segment, then with only its base name.
func (r *Resolver) Resolve(asset string) (string, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return "", fmt.Errorf("%w: empty key", ErrNotFound)
	}

	if filepath.IsAbs(asset) {
		if ok, err := r.isFile(asset); err != nil {
			return "", err
		} else if ok {
			return asset, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, asset)
	}

	for _, candidate := range r.candidates(asset) {
		ok, err := r.isFile(candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, asset)
}

func (r *Resolver) candidates(asset string) []string {
	key := path.Clean(filepath.ToSlash(asset))
	keys := []string{key}
	if stripped, ok := strings.CutPrefix(key, "assets/"); ok {
		keys = append(keys, stripped)
	}
	keys = append(keys, path.Base(key))
	keys = lo.Uniq(keys)

	var out []string
	for _, root := range r.roots {
		for _, k := range keys {
			out = append(out, filepath.Join(root, filepath.FromSlash(k)))
		}
	}
	return out
}

func (r *Resolver) isFile(name string) (bool, error) {
	info, err := r.fs.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return !info.IsDir(), nil
}
