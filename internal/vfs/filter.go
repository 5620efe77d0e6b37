package vfs

import (
	"errors"
	"os"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/backing"
)

// IgnoreFileName is read from the backing root; its gitignore-style patterns
// are added to the configured no-cache patterns.
const IgnoreFileName = ".cachefsignore"

const maxIgnoreFileSize = 1 << 20

// Filter decides which paths bypass the block cache. Reads of excluded paths
// go straight to the backing filesystem.
type Filter struct {
	patterns []string
	matcher  *ignore.GitIgnore
}

// NewFilter compiles gitignore-style patterns. Returns nil when there are none.
func NewFilter(patterns []string) *Filter {
	var lines []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" && !strings.HasPrefix(p, "#") {
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return &Filter{
		patterns: lines,
		matcher:  ignore.CompileIgnoreLines(lines...),
	}
}

// LoadFilter combines patterns with the ignore file at the backing root, if any.
func LoadFilter(b backing.Adapter, patterns []string) *Filter {
	attr, err := b.Stat(IgnoreFileName)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("[VFS] cannot stat %s: %v", IgnoreFileName, err)
		}
		return NewFilter(patterns)
	}
	if attr.Kind != backing.KindRegular || attr.Size > maxIgnoreFileSize {
		log.Warnf("[VFS] ignoring %s: not a regular file under %d bytes", IgnoreFileName, maxIgnoreFileSize)
		return NewFilter(patterns)
	}
	buf := make([]byte, attr.Size)
	n, err := b.ReadAt(IgnoreFileName, buf, 0)
	if err != nil {
		log.Warnf("[VFS] cannot read %s: %v", IgnoreFileName, err)
		return NewFilter(patterns)
	}
	lines := append(append([]string(nil), patterns...), strings.Split(string(buf[:n]), "\n")...)
	return NewFilter(lines)
}

// Excluded reports whether path must not be cached. A nil Filter excludes nothing.
func (f *Filter) Excluded(path string) bool {
	if f == nil || path == "" {
		return false
	}
	return f.matcher.MatchesPath(path)
}

// Patterns returns the compiled pattern lines.
func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.patterns
}
