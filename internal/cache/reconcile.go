package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"
)

type scanResult struct {
	entries   []*entry // oldest access first
	total     int64
	temps     int
	corrupt   int
	misplaced int
}

// scanBlocks walks every bucket directory and reads each block header. With
// repair set, temp files, unreadable records and blocks stored under the wrong
// name are deleted; otherwise they are only counted.
func scanBlocks(fs billy.Filesystem, geo Geometry, repair bool) (*scanResult, error) {
	res := &scanResult{}
	buckets, err := fs.ReadDir(bucketsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return nil, classify(err)
	}
	remove := func(p string) {
		if !repair {
			return
		}
		if err := fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("[Cache] scan: failed to remove %s: %v", p, err)
		}
	}
	for _, b := range buckets {
		if !b.IsDir() {
			continue
		}
		dir := path.Join(bucketsDir, b.Name())
		files, err := fs.ReadDir(dir)
		if err != nil {
			return nil, classify(err)
		}
		for _, fi := range files {
			p := path.Join(dir, fi.Name())
			switch {
			case strings.HasPrefix(fi.Name(), tempPrefix):
				res.temps++
				remove(p)
				continue
			case !strings.HasSuffix(fi.Name(), blockExt) || fi.IsDir():
				continue
			}
			rec, err := readHeader(fs, p)
			if err == nil && rec.fileSize() != fi.Size() {
				err = fmt.Errorf("%w: file is %d bytes, record says %d", ErrCacheCorrupt, fi.Size(), rec.fileSize())
			}
			if err != nil {
				log.Debugf("[Cache] scan: %s: %v", p, err)
				res.corrupt++
				remove(p)
				continue
			}
			if geo.BlockPath(rec.key) != p || rec.dataLen > geo.BlockSize {
				res.misplaced++
				remove(p)
				continue
			}
			res.entries = append(res.entries, &entry{
				key:      rec.key,
				stamp:    rec.stamp,
				stored:   rec.stamp,
				size:     rec.dataLen,
				file:     p,
				accessed: rec.accessed,
			})
			res.total += rec.dataLen
		}
	}
	sort.SliceStable(res.entries, func(i, j int) bool {
		return res.entries[i].accessed < res.entries[j].accessed
	})
	return res, nil
}

func readHeader(fs billy.Filesystem, p string) (*record, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	pathLen := int(binary.LittleEndian.Uint16(buf[6:8]))
	full := make([]byte, headerSize+pathLen)
	copy(full, buf)
	if _, err := io.ReadFull(f, full[headerSize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	return decodeHeader(full)
}

// Report summarizes a reconciliation or offline check.
type Report struct {
	Blocks    int   `yaml:"blocks"`
	UsedBytes int64 `yaml:"used_bytes"`
	Temps     int   `yaml:"temp_files"`
	Corrupt   int   `yaml:"corrupt"`
	Misplaced int   `yaml:"misplaced"`
	Orphans   int   `yaml:"orphans"`
	Vanished  int   `yaml:"vanished"`
	Repaired  bool  `yaml:"repaired"`
}

// Reconcile rescans a live cache. Index entries whose files disappeared are
// dropped and block files the index does not know about are freed.
func (s *Store) Reconcile() (Report, error) {
	res, err := scanBlocks(s.fs, s.geo, false)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Corrupt: res.corrupt, Misplaced: res.misplaced, Temps: res.temps, Repaired: true}

	onDisk := make(map[BlockKey]*entry, len(res.entries))
	for _, e := range res.entries {
		onDisk[e.key] = e
	}
	for k, found := range onDisk {
		mu := s.stripe(k)
		mu.Lock()
		s.mu.Lock()
		known := s.idx.peek(k) != nil
		s.mu.Unlock()
		if !known {
			s.removeFile(found.file)
			rep.Orphans++
		}
		mu.Unlock()
	}
	for _, k := range s.Keys() {
		if _, ok := onDisk[k]; ok {
			continue
		}
		mu := s.stripe(k)
		mu.Lock()
		s.mu.Lock()
		e := s.idx.peek(k)
		s.mu.Unlock()
		if e != nil {
			if _, err := s.fs.Stat(e.file); errors.Is(err, os.ErrNotExist) {
				s.mu.Lock()
				s.idx.remove(k)
				s.mu.Unlock()
				s.ledger.Commit(-e.size)
				rep.Vanished++
			}
		}
		mu.Unlock()
	}
	st := s.Stats()
	rep.Blocks, rep.UsedBytes = st.Blocks, st.UsedBytes
	log.Infof("[Cache] reconcile: %d orphans freed, %d vanished entries dropped", rep.Orphans, rep.Vanished)
	return rep, nil
}

// Check scans a cache directory that is not mounted. With deep set every block
// is read and its checksum verified. With repair set, bad files are deleted and
// the persisted summary is rewritten from the scan.
func Check(fs billy.Filesystem, deep, repair bool) (Report, error) {
	l, err := readLayout(fs)
	if err != nil {
		return Report{}, err
	}
	if l == nil {
		return Report{}, fmt.Errorf("%w: no %s in cache directory", ErrCacheIO, layoutFile)
	}
	geo := Geometry{BlockSize: l.BlockSize, Buckets: l.Buckets}
	res, err := scanBlocks(fs, geo, repair)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Temps: res.temps, Corrupt: res.corrupt, Misplaced: res.misplaced, Repaired: repair}
	for _, e := range res.entries {
		if deep {
			buf, err := util.ReadFile(fs, e.file)
			if err == nil {
				_, _, err = decodeRecord(buf)
			}
			if err != nil {
				rep.Corrupt++
				if repair {
					_ = fs.Remove(e.file)
				}
				continue
			}
		}
		rep.Blocks++
		rep.UsedBytes += e.size
	}
	if repair {
		l.UsedBytes = rep.UsedBytes
		l.Blocks = rep.Blocks
		if err := writeLayout(fs, l); err != nil {
			return rep, classify(err)
		}
	}
	return rep, nil
}
