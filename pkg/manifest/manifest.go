// Package manifest expands the paths given to the sender into the list of
// regular files to transfer, each with a flat name that is unique within
// the run.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Item is one file to send.
type Item struct {
	// Path is the file on disk.
	Path string `json:"path"`
	// Name is the flat name announced to the receiver.
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Manifest is the expanded selection, in argument order with directory
// contents sorted by relative path.
type Manifest struct {
	Items      []Item `json:"items"`
	TotalBytes int64  `json:"total_bytes"`
}

// Names returns the item names in order.
func (m Manifest) Names() []string {
	names := make([]string, len(m.Items))
	for i, item := range m.Items {
		names[i] = item.Name
	}
	return names
}

// ScanPaths expands files and directories into a manifest. Directories are
// walked recursively; symlinks and other non-regular entries are skipped.
// When two files share a base name, later ones are disambiguated with an
// ordinal prefix (1_, 2_, ...). Unreadable entries inside a directory are
// skipped and reported in a joined error alongside the partial manifest.
func ScanPaths(paths []string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, errors.New("no paths provided")
	}

	var m Manifest
	var scanErrors []error
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Manifest{}, fmt.Errorf("path does not exist: %s", path)
			}
			return Manifest{}, fmt.Errorf("cannot access path: %w", err)
		}
		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return Manifest{}, fmt.Errorf("not a regular file: %s", path)
			}
			m.add(path, info.Size())
			continue
		}
		found, errs := walk(path)
		scanErrors = append(scanErrors, errs...)
		for _, item := range found {
			m.add(item.Path, item.Size)
		}
	}
	m.disambiguate()

	if len(scanErrors) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return m, nil
}

func (m *Manifest) add(path string, size int64) {
	m.Items = append(m.Items, Item{Path: path, Name: filepath.Base(path), Size: size})
	m.TotalBytes += size
}

// walk lists the regular files under root sorted by relative path.
func walk(root string) ([]Item, []error) {
	var items []Item
	var errs []error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot read %s: %w", path, err))
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("cannot get info for %s: %w", path, err))
			return nil
		}
		items = append(items, Item{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("error walking %s: %w", root, err))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, errs
}

// disambiguate prefixes repeated names with an ordinal, skipping ordinals
// that would collide with a name already taken.
func (m *Manifest) disambiguate() {
	taken := make(map[string]bool, len(m.Items))
	for _, item := range m.Items {
		taken[item.Name] = false
	}
	for i := range m.Items {
		name := m.Items[i].Name
		if !taken[name] {
			taken[name] = true
			continue
		}
		for n := 1; ; n++ {
			candidate := strconv.Itoa(n) + "_" + name
			if _, exists := taken[candidate]; !exists {
				taken[candidate] = true
				m.Items[i].Name = candidate
				break
			}
		}
	}
}
