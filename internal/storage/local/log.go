package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// logVersion identifies the binary format of payload log entries. Old files
// with another version are rejected rather than misread.
const logVersion uint8 = 1

var (
	errEndOfLog  = errors.New("local: end of payload log")
	errCorrupted = errors.New("local: corrupted payload log entry")
)

// payloadLog is an append-only file holding the payload bytes of every
// stored member. The bbolt index refers to entries by byte offset.
//
// Each entry is:
//
//	[totalLen : 4 bytes, uint32, big-endian]
//	[version  : 1 byte]
//	[payload  : totalLen-5 bytes]
//	[checksum : 4 bytes, uint32, CRC32 of version ‖ payload]
//
// totalLen covers every byte after the length prefix. Entries are never
// rewritten in place; the Compactor copies live ones into a fresh file.
type payloadLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	size int64
}

// entryOverhead is the fixed part of an entry: prefix, version, checksum.
const entryOverhead = 4 + 1 + 4

// openPayloadLog opens (or creates) the log at path. A torn entry at the tail,
// left by a crash mid-append, is truncated away so later appends follow the
// last good entry.
func openPayloadLog(path string) (*payloadLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: open %s: %w", path, err)
	}
	l := &payloadLog{file: f, path: path}
	if err := l.recoverTail(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("log: recover %s: %w", path, err)
	}
	return l, nil
}

// Append writes payload and returns the entry's offset.
func (l *payloadLog) Append(payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := encodeEntry(payload)
	offset := l.size
	if _, err := l.file.WriteAt(entry, offset); err != nil {
		return 0, fmt.Errorf("log: write entry at %d: %w", offset, err)
	}
	l.size += int64(len(entry))
	return offset, nil
}

// ReadAt returns the payload stored at offset.
func (l *payloadLog) ReadAt(offset int64) ([]byte, error) {
	payload, _, err := l.readAt(offset, l.Size())
	return payload, err
}

// readAt decodes the entry at offset, which must end at or before limit, and
// returns its payload and the offset of the next entry. os.File.ReadAt is
// safe alongside Append, so no lock.
func (l *payloadLog) readAt(offset, limit int64) ([]byte, int64, error) {
	if offset+4 > limit {
		return nil, 0, errEndOfLog
	}
	var lenBuf [4]byte
	if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, errEndOfLog
		}
		return nil, 0, fmt.Errorf("log: read len prefix at %d: %w", offset, err)
	}
	entryLen := binary.BigEndian.Uint32(lenBuf[:])
	if entryLen < entryOverhead-4 {
		return nil, 0, fmt.Errorf("log: entry at %d too short (%d bytes): %w", offset, entryLen, errCorrupted)
	}
	if offset+4+int64(entryLen) > limit {
		return nil, 0, fmt.Errorf("log: entry at %d runs past the end: %w", offset, errCorrupted)
	}

	buf := make([]byte, entryLen)
	if _, err := l.file.ReadAt(buf, offset+4); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("log: entry at %d truncated: %w", offset, errCorrupted)
		}
		return nil, 0, fmt.Errorf("log: read entry at %d: %w", offset, err)
	}
	payload, err := decodeEntry(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("log: entry at %d: %w", offset, err)
	}
	return payload, offset + 4 + int64(entryLen), nil
}

// ReadAll calls fn for every entry in order. Iteration stops early if fn
// returns a non-nil error.
func (l *payloadLog) ReadAll(fn func(offset int64, payload []byte) error) error {
	limit := l.Size()
	var offset int64
	for offset < limit {
		payload, next, err := l.readAt(offset, limit)
		if err != nil {
			return fmt.Errorf("log: ReadAll at offset %d: %w", offset, err)
		}
		if err := fn(offset, payload); err != nil {
			return err
		}
		offset = next
	}
	return nil
}

// Size returns the number of bytes of valid entries.
func (l *payloadLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Path returns the filesystem path of this log file.
func (l *payloadLog) Path() string { return l.path }

// Sync flushes the OS file buffer to physical disk.
func (l *payloadLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *payloadLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync: %w", err)
	}
	return l.file.Close()
}

// recoverTail walks the file from the start and cuts it after the last entry
// that decodes cleanly.
func (l *payloadLog) recoverTail() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	end := info.Size()

	var offset int64
	for offset < end {
		_, next, err := l.readAt(offset, end)
		if err != nil {
			if errors.Is(err, errCorrupted) || errors.Is(err, errEndOfLog) {
				break
			}
			return err
		}
		offset = next
	}
	if offset < end {
		if err := l.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn tail at %d: %w", offset, err)
		}
	}
	l.size = offset
	return nil
}

// ---- binary encoding helpers -----------------------------------------------

func encodeEntry(payload []byte) []byte {
	buf := make([]byte, 4, entryOverhead+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)+4))
	buf = append(buf, logVersion)
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[4:]))
}

// decodeEntry checks an entry (without its length prefix) and returns a copy
// of the payload.
func decodeEntry(buf []byte) ([]byte, error) {
	body := buf[:len(buf)-4]
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return nil, fmt.Errorf("checksum mismatch (stored=%x computed=%x): %w", stored, computed, errCorrupted)
	}
	if body[0] != logVersion {
		return nil, fmt.Errorf("unsupported version %d", body[0])
	}
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])
	return payload, nil
}
