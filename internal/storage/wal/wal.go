// Package wal is an append-only log of length-prefixed, checksummed records.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// ErrCorrupt is returned when a complete record fails its checksum.
var ErrCorrupt = errors.New("wal: checksum mismatch")

// WAL represents a Write Ahead Log.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens or creates a WAL file.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %q: %w", path, err)
	}
	return &WAL{
		f:    f,
		path: path,
	}, nil
}

// Path returns the file backing the log.
func (w *WAL) Path() string { return w.path }

// Append writes an entry to the WAL and syncs it to disk.
// Format: Len(4) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	binary.BigEndian.PutUint32(buf[4+len(data):], crc32.ChecksumIEEE(data))

	// One write per record keeps a crash from interleaving partial headers.
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return w.f.Sync()
}

// Iterate reads all entries from the WAL calling handler for each.
//
// A record cut short by a crash mid-append ends the log: the partial tail is
// truncated so later appends start on a record boundary. A complete record
// with a bad checksum returns ErrCorrupt.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var offset int64
	lenBuf := make([]byte, 4)
	crcBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(w.f, lenBuf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				return w.truncate(offset)
			}
			return err
		}
		length := binary.BigEndian.Uint32(lenBuf)

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return w.truncate(offset)
			}
			return err
		}

		if _, err := io.ReadFull(w.f, crcBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return w.truncate(offset)
			}
			return err
		}
		if binary.BigEndian.Uint32(crcBuf) != crc32.ChecksumIEEE(data) {
			return fmt.Errorf("%w at offset %d", ErrCorrupt, offset)
		}

		if err := handler(data); err != nil {
			return err
		}
		offset += int64(8 + length)
	}

	_, err := w.f.Seek(0, io.SeekEnd)
	return err
}

func (w *WAL) truncate(offset int64) error {
	if err := w.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate torn wal tail: %w", err)
	}
	_, err := w.f.Seek(0, io.SeekEnd)
	return err
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
