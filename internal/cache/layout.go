package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"
)

const (
	layoutFile   = "cachefs.yaml"
	layoutFormat = 1
)

// Summary is the persisted layout kept at the cache root. The block size and
// bucket count are binding; the totals are hints checked against a scan.
type Summary struct {
	Format    int       `yaml:"format"`
	BlockSize int64     `yaml:"block_size"`
	Buckets   int       `yaml:"buckets"`
	UsedBytes int64     `yaml:"used_bytes"`
	Blocks    int       `yaml:"blocks"`
	Clean     bool      `yaml:"clean"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// readLayout loads the summary. Returns nil if the cache root has none yet.
func readLayout(fs billy.Filesystem) (*Summary, error) {
	data, err := util.ReadFile(fs, layoutFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var l Summary
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheCorrupt, layoutFile, err)
	}
	if l.Format != layoutFormat {
		return nil, fmt.Errorf("%w: %s format %d", ErrCacheCorrupt, layoutFile, l.Format)
	}
	return &l, nil
}

// writeLayout replaces the summary atomically.
func writeLayout(fs billy.Filesystem, l *Summary) error {
	l.Format = layoutFormat
	l.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	header := []byte("# cachefs cache directory layout, do not edit\n")
	tmp := layoutFile + ".tmp"
	if err := util.WriteFile(fs, tmp, append(header, data...), 0600); err != nil {
		return err
	}
	return fs.Rename(tmp, layoutFile)
}

// ReadSummary returns the persisted summary of a cache directory without
// opening it. Returns nil if the directory has never been used.
func ReadSummary(fs billy.Filesystem) (*Summary, error) {
	return readLayout(fs)
}
