package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
)

// Block file layout (little endian):
//
//	0  magic "CFSB"
//	4  version u16
//	6  path length u16
//	8  block index u64
//	16 backing mtime ns i64
//	24 backing size i64
//	32 data length u32
//	36 reserved u32
//	40 last access ns i64 (rewritten in place, not covered by the checksum)
//	48 checksum: first 16 bytes of blake3(header[0:40] || path || data)
//	64 path
//	.. data
const (
	recordMagic   = "CFSB"
	recordVersion = 1
	headerSize    = 64
	accessOffset  = 40
	sumOffset     = 48
	sumSize       = 16
)

// record is the decoded header of a block file.
type record struct {
	key      BlockKey
	stamp    Stamp
	dataLen  int64
	accessed int64
	sum      [sumSize]byte
}

// fileSize is the expected size of the block file holding r.
func (r *record) fileSize() int64 {
	return headerSize + int64(len(r.key.Path)) + r.dataLen
}

func encodeRecord(k BlockKey, st Stamp, accessed int64, data []byte) ([]byte, error) {
	if len(k.Path) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: path of %d bytes", ErrCacheIO, len(k.Path))
	}
	if int64(len(data)) > math.MaxUint32 {
		return nil, ErrBlockTooLarge
	}
	buf := make([]byte, headerSize+len(k.Path)+len(data))
	copy(buf[0:4], recordMagic)
	binary.LittleEndian.PutUint16(buf[4:6], recordVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(k.Path)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(k.Index))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(st.Mtime))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(data)))
	binary.LittleEndian.PutUint64(buf[accessOffset:accessOffset+8], uint64(accessed))
	copy(buf[headerSize:], k.Path)
	copy(buf[headerSize+len(k.Path):], data)
	sum := recordSum(buf[:accessOffset], k.Path, data)
	copy(buf[sumOffset:sumOffset+sumSize], sum[:])
	return buf, nil
}

// decodeHeader parses the fixed header and the path that follows it. buf must
// hold at least the header and path; the data is not verified.
func decodeHeader(buf []byte) (*record, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrCacheCorrupt, len(buf))
	}
	if string(buf[0:4]) != recordMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCacheCorrupt)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrCacheCorrupt, v)
	}
	pathLen := int(binary.LittleEndian.Uint16(buf[6:8]))
	if len(buf) < headerSize+pathLen {
		return nil, fmt.Errorf("%w: truncated path", ErrCacheCorrupt)
	}
	r := &record{
		key: BlockKey{
			Path:  string(buf[headerSize : headerSize+pathLen]),
			Index: int64(binary.LittleEndian.Uint64(buf[8:16])),
		},
		stamp: Stamp{
			Mtime: int64(binary.LittleEndian.Uint64(buf[16:24])),
			Size:  int64(binary.LittleEndian.Uint64(buf[24:32])),
		},
		dataLen:  int64(binary.LittleEndian.Uint32(buf[32:36])),
		accessed: int64(binary.LittleEndian.Uint64(buf[accessOffset : accessOffset+8])),
	}
	copy(r.sum[:], buf[sumOffset:sumOffset+sumSize])
	if r.key.Index < 0 {
		return nil, fmt.Errorf("%w: negative block index", ErrCacheCorrupt)
	}
	return r, nil
}

// decodeRecord parses and verifies a complete block file, returning its data.
func decodeRecord(buf []byte) (*record, []byte, error) {
	r, err := decodeHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	if int64(len(buf)) != r.fileSize() {
		return nil, nil, fmt.Errorf("%w: file is %d bytes, record says %d", ErrCacheCorrupt, len(buf), r.fileSize())
	}
	data := buf[headerSize+len(r.key.Path):]
	sum := recordSum(buf[:accessOffset], r.key.Path, data)
	if !bytes.Equal(sum[:], r.sum[:]) {
		return nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCacheCorrupt)
	}
	return r, data, nil
}

func recordSum(header []byte, path string, data []byte) [sumSize]byte {
	h := blake3.New()
	_, _ = h.Write(header)
	_, _ = h.WriteString(path)
	_, _ = h.Write(data)
	var out [sumSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func encodeAccess(ns int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ns))
	return b[:]
}
