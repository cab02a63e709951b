// Package storage implements portreeve's append-oriented, content-indexed
// record file: the on-disk half of the metadata store. It persists arbitrary
// codec.Value payloads under internally-minted storage ids, keeps an in-memory
// btree.Tree index of id -> on-disk location, and exposes write/read/delete,
// flush (make the index durable) and compact (reclaim space from deleted
// records).
//
// File layout:
//
//	[0..32)              header
//	[32..data_offset)    records: 16B UUID || 4B BE size || <size> payload
//	[data_offset..EOF)   index block (if index_offset > 0): 32B entries of
//	                     (16B UUID, 8B offset, 4B size, 4B CRC-32)
//
// Durability is explicitly best-effort: a mutation is durable only after
// Flush. Readers may reopen the file at any time; flush rewrites only the
// header and index block, using positional writes rather than rewriting the
// whole file on every mutation. Compact writes a fresh file holding only the
// live records and renames it over the old one.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/portreeve/pkg/btree"
	"github.com/cuemby/portreeve/pkg/codec"
	"github.com/cuemby/portreeve/pkg/log"
)

const (
	magic        = "DOWE"
	majorVersion = 1
	minorVersion = 0
	headerSize   = 32
	recordPrefix = 16 + 4 // id + size
	indexEntrySize = 16 + 8 + 4 + 4
)

// Errors returned by File operations.
var (
	ErrNotFound    = errors.New("storage: record not found")
	ErrCorruption  = errors.New("storage: payload failed CRC-32 check")
	ErrBadMagic    = errors.New("storage: not a portreeve record file")
	ErrMalformed   = errors.New("storage: malformed header or index block")
)

// Location is the index entry for one live record: where it sits in the file,
// how large its payload is, and the payload's CRC-32 at write time.
type Location struct {
	Offset uint64
	Size   uint32
	CRC32  uint32
}

// File is a single append-oriented record file with an in-memory btree index.
type File struct {
	mu          sync.Mutex
	f           *os.File
	path        string
	indexOffset uint64
	dataOffset  uint64
	recordCount uint64
	index       *btree.Tree[Location]
}

// Open opens path, creating a fresh empty file if it does not exist. If the
// existing header advertises an index block, every entry is loaded into the
// in-memory index; otherwise the index starts empty and on-disk records are
// considered dead until a caller reindexes them.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}

	file := &File{
		f:     f,
		path:  path,
		index: btree.New[Location](),
	}

	if fi.Size() == 0 {
		file.dataOffset = headerSize
		if err := file.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return file, nil
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read header: %w", err)
	}
	if string(hdrBuf[0:4]) != magic {
		f.Close()
		return nil, ErrBadMagic
	}
	file.indexOffset = binary.BigEndian.Uint64(hdrBuf[8:16])
	file.dataOffset = binary.BigEndian.Uint64(hdrBuf[16:24])
	file.recordCount = binary.BigEndian.Uint64(hdrBuf[24:32])

	if file.indexOffset > 0 {
		if err := file.loadIndex(fi.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}

	return file, nil
}

func (f *File) loadIndex(fileSize int64) error {
	n := fileSize - int64(f.indexOffset)
	if n < 0 || n%indexEntrySize != 0 {
		return ErrMalformed
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := f.f.ReadAt(buf, int64(f.indexOffset)); err != nil {
			return fmt.Errorf("storage: read index block: %w", err)
		}
	}
	for off := 0; off < len(buf); off += indexEntrySize {
		entry := buf[off : off+indexEntrySize]
		var id uuid.UUID
		copy(id[:], entry[0:16])
		loc := Location{
			Offset: binary.BigEndian.Uint64(entry[16:24]),
			Size:   binary.BigEndian.Uint32(entry[24:28]),
			CRC32:  binary.BigEndian.Uint32(entry[28:32]),
		}
		f.index.Set(id, loc)
	}
	return nil
}

func (f *File) writeHeader() error {
	var buf [headerSize]byte
	copy(buf[0:4], magic)
	buf[4] = majorVersion
	buf[5] = minorVersion
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint64(buf[8:16], f.indexOffset)
	binary.BigEndian.PutUint64(buf[16:24], f.dataOffset)
	binary.BigEndian.PutUint64(buf[24:32], f.recordCount)
	if _, err := f.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("storage: write header: %w", err)
	}
	return nil
}

// Write encodes value, appends it at the current data offset, and indexes it
// under a freshly minted id. The caller is responsible for calling Flush to
// make the mutation durable.
func (f *File) Write(value codec.Value) (uuid.UUID, error) {
	payload, err := codec.Encode(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("storage: encode: %w", err)
	}
	if len(payload) > 0xFFFFFFFF {
		return uuid.UUID{}, fmt.Errorf("storage: payload too large")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New()
	offset := f.dataOffset

	record := make([]byte, recordPrefix+len(payload))
	copy(record[0:16], id[:])
	binary.BigEndian.PutUint32(record[16:20], uint32(len(payload)))
	copy(record[20:], payload)

	if _, err := f.f.WriteAt(record, int64(offset)); err != nil {
		return uuid.UUID{}, fmt.Errorf("storage: write record: %w", err)
	}

	loc := Location{
		Offset: offset,
		Size:   uint32(len(payload)),
		CRC32:  crc32.ChecksumIEEE(payload),
	}
	f.index.Set(id, loc)
	f.dataOffset += uint64(len(record))
	f.recordCount++

	return id, nil
}

// Read looks up id and returns its decoded value, verifying the payload's
// CRC-32 before decode.
func (f *File) Read(id uuid.UUID) (codec.Value, error) {
	f.mu.Lock()
	loc, ok := f.index.Get(id)
	f.mu.Unlock()
	if !ok {
		return codec.Value{}, ErrNotFound
	}

	buf := make([]byte, loc.Size)
	if loc.Size > 0 {
		if _, err := f.f.ReadAt(buf, int64(loc.Offset)+recordPrefix); err != nil {
			return codec.Value{}, fmt.Errorf("storage: read payload: %w", err)
		}
	}

	if crc32.ChecksumIEEE(buf) != loc.CRC32 {
		return codec.Value{}, ErrCorruption
	}

	val, _, err := codec.Decode(buf)
	if err != nil {
		return codec.Value{}, fmt.Errorf("storage: decode payload: %w", err)
	}
	return val, nil
}

// Delete removes id from the index. The underlying payload bytes are not
// immediately reclaimed; Compact reclaims them.
func (f *File) Delete(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.index.Delete(id) {
		return ErrNotFound
	}
	f.recordCount--
	return nil
}

// Entries returns every live (id, location) pair in ascending id order.
func (f *File) Entries() []btree.Entry[Location] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index.Entries()
}

// Flush writes the index block at the current data offset, truncates away any
// stale trailing bytes from a previous (larger) index block, and rewrites the
// header. This is the only point at which mutations become durable.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.index.Entries()
	buf := make([]byte, 0, len(entries)*indexEntrySize)
	for _, e := range entries {
		var entry [indexEntrySize]byte
		copy(entry[0:16], e.Key[:])
		binary.BigEndian.PutUint64(entry[16:24], e.Value.Offset)
		binary.BigEndian.PutUint32(entry[24:28], e.Value.Size)
		binary.BigEndian.PutUint32(entry[28:32], e.Value.CRC32)
		buf = append(buf, entry[:]...)
	}

	f.indexOffset = f.dataOffset
	if len(buf) > 0 {
		if _, err := f.f.WriteAt(buf, int64(f.indexOffset)); err != nil {
			return fmt.Errorf("storage: write index block: %w", err)
		}
	}
	if err := f.f.Truncate(int64(f.indexOffset) + int64(len(buf))); err != nil {
		return fmt.Errorf("storage: truncate: %w", err)
	}
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.f.Sync()
}

// Compact rewrites the file with only live records, each minted under a new
// id: reading storage ids across a compaction is not safe, only external
// record-level ids embedded in the payload are. Callers that keep an
// id -> storage-id mapping must rebuild it from the decoded payloads after
// Compact returns.
func (f *File) Compact() error {
	f.mu.Lock()
	entries := f.index.Entries()
	path := f.path
	f.mu.Unlock()

	tmpPath := path + ".tmp"
	tmp, err := Open(tmpPath)
	if err != nil {
		return fmt.Errorf("storage: open compaction target: %w", err)
	}

	for _, e := range entries {
		val, err := f.Read(e.Key)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("storage: read during compaction: %w", err)
		}
		if _, err := tmp.Write(val); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("storage: write during compaction: %w", err)
		}
	}
	if err := tmp.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("storage: close before rename: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("storage: rename compacted file: %w", err)
	}

	reopened, err := Open(path)
	if err != nil {
		return fmt.Errorf("storage: reopen after compaction: %w", err)
	}
	f.f = reopened.f
	f.indexOffset = reopened.indexOffset
	f.dataOffset = reopened.dataOffset
	f.recordCount = reopened.recordCount
	f.index = reopened.index

	log.WithComponent("storage").Info().Str("path", path).Int("records", len(entries)).Msg("compacted record file")
	return nil
}

// RecordCount returns the number of live records.
func (f *File) RecordCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordCount
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	return f.f.Close()
}
