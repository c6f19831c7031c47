package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// Entry is a single directory entry: a tile_id (or, for a leaf-directory
// pointer, RunLength == 0) and its location in the tile-data section.
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// ZXYToTileID maps (z,x,y) to the archive's tile_id space: a monotone
// bijection that preserves within-zoom Hilbert-curve order, satisfying
// §4.6's determinism requirement regardless of which z,x,y pairs a given
// archive actually contains.
func ZXYToTileID(z, x, y int) uint64 {
	if z == 0 {
		return 0
	}
	var acc uint64
	for i := 0; i < z; i++ {
		n := uint64(1) << uint(i)
		acc += n * n
	}
	n := uint64(1) << uint(z)
	return acc + xyToHilbert(uint64(x), uint64(y), n)
}

// TileIDToZXY inverts ZXYToTileID.
func TileIDToZXY(tileID uint64) (z, x, y int) {
	if tileID == 0 {
		return 0, 0, 0
	}
	var acc uint64
	z = 0
	for {
		n := uint64(1) << uint(z)
		count := n * n
		if acc+count > tileID {
			break
		}
		acc += count
		z++
	}
	hilbertIdx := tileID - acc
	n := uint64(1) << uint(z)
	hx, hy := hilbertToXY(hilbertIdx, n)
	return z, int(hx), int(hy)
}

func xyToHilbert(x, y, n uint64) uint64 {
	var d uint64
	s := n / 2
	for s > 0 {
		var rx, ry uint64
		if (x & s) > 0 {
			rx = 1
		}
		if (y & s) > 0 {
			ry = 1
		}
		d += s * s * ((3 * rx) ^ ry)
		if ry == 0 {
			if rx == 1 {
				x = s*2 - 1 - x
				y = s*2 - 1 - y
			}
			x, y = y, x
		}
		s /= 2
	}
	return d
}

func hilbertToXY(d, n uint64) (x, y uint64) {
	var rx, ry uint64
	s := uint64(1)
	for s < n {
		rx = 1 & (d / 2)
		ry = 1 & (d ^ rx)
		if ry == 0 {
			if rx == 1 {
				x = s - 1 - x
				y = s - 1 - y
			}
			x, y = y, x
		}
		x += s * rx
		y += s * ry
		d /= 4
		s *= 2
	}
	return x, y
}

// buildDirectory takes entries already in ascending tile_id order (the
// streaming writer enforces this at write_tile time) and produces a
// serialized, gzip-compressed root directory, splitting into leaf
// directories once the entry count exceeds maxRootEntries.
func buildDirectory(entries []Entry) (rootDir []byte, leafDirs []byte, err error) {
	optimized := optimizeRunLengths(entries)

	const maxRootEntries = 16384

	if len(optimized) <= maxRootEntries {
		rootDir, err = serializeDirectory(optimized)
		return rootDir, nil, err
	}

	leafSize := 4096
	numLeaves := (len(optimized) + leafSize - 1) / leafSize

	type leafInfo struct {
		firstTileID uint64
		offset      uint64
		length      uint64
	}

	var leafBuf bytes.Buffer
	leaves := make([]leafInfo, 0, numLeaves)

	for i := 0; i < len(optimized); i += leafSize {
		end := i + leafSize
		if end > len(optimized) {
			end = len(optimized)
		}
		chunk := optimized[i:end]

		leafData, serErr := serializeDirectory(chunk)
		if serErr != nil {
			return nil, nil, serErr
		}

		leaves = append(leaves, leafInfo{
			firstTileID: chunk[0].TileID,
			offset:      uint64(leafBuf.Len()),
			length:      uint64(len(leafData)),
		})
		leafBuf.Write(leafData)
	}

	// RunLength == 0 flags a root entry as a leaf-directory pointer whose
	// Offset/Length address the leaf-directories section, not tile data.
	rootEntries := make([]Entry, len(leaves))
	for i, l := range leaves {
		rootEntries[i] = Entry{
			TileID:    l.firstTileID,
			Offset:    l.offset,
			Length:    uint32(l.length),
			RunLength: 0,
		}
	}

	rootDir, err = serializeDirectory(rootEntries)
	return rootDir, leafBuf.Bytes(), err
}

func serializeDirectory(entries []Entry) ([]byte, error) {
	var raw bytes.Buffer
	buf := make([]byte, binary.MaxVarintLen64)

	n := binary.PutUvarint(buf, uint64(len(entries)))
	raw.Write(buf[:n])

	var lastID uint64
	for _, e := range entries {
		delta := e.TileID - lastID
		n = binary.PutUvarint(buf, delta)
		raw.Write(buf[:n])
		lastID = e.TileID
	}

	for _, e := range entries {
		n = binary.PutUvarint(buf, uint64(e.RunLength))
		raw.Write(buf[:n])
	}

	for _, e := range entries {
		n = binary.PutUvarint(buf, uint64(e.Length))
		raw.Write(buf[:n])
	}

	var lastOffset uint64
	for i, e := range entries {
		var val uint64
		if i > 0 && e.Offset == lastOffset+uint64(entries[i-1].Length) {
			val = 0 // contiguous with the previous entry
		} else {
			val = e.Offset + 1
		}
		n = binary.PutUvarint(buf, val)
		raw.Write(buf[:n])
		lastOffset = e.Offset
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}

	return compressed.Bytes(), nil
}

// DeserializeDirectory decompresses and parses a directory blob.
func DeserializeDirectory(data []byte) ([]Entry, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("archive: directory gzip reader: %w", err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("archive: decompressing directory: %w", err)
	}

	r := bytes.NewReader(raw)

	numEntries, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("archive: reading entry count: %w", err)
	}

	entries := make([]Entry, numEntries)

	var lastID uint64
	for i := uint64(0); i < numEntries; i++ {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("archive: reading tile_id delta %d: %w", i, err)
		}
		lastID += delta
		entries[i].TileID = lastID
	}

	for i := uint64(0); i < numEntries; i++ {
		rl, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("archive: reading run length %d: %w", i, err)
		}
		entries[i].RunLength = uint32(rl)
	}

	for i := uint64(0); i < numEntries; i++ {
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("archive: reading length %d: %w", i, err)
		}
		entries[i].Length = uint32(length)
	}

	var lastOffset uint64
	for i := uint64(0); i < numEntries; i++ {
		val, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("archive: reading offset %d: %w", i, err)
		}
		if val == 0 && i > 0 {
			entries[i].Offset = lastOffset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = val - 1
		}
		lastOffset = entries[i].Offset
	}

	return entries, nil
}

// optimizeRunLengths merges consecutive entries whose tile_id, offset, and
// length form a contiguous run into a single run-length entry.
func optimizeRunLengths(entries []Entry) []Entry {
	if len(entries) == 0 {
		return entries
	}

	result := make([]Entry, 0, len(entries))
	current := entries[0]
	current.RunLength = 1

	for i := 1; i < len(entries); i++ {
		e := entries[i]
		expectedTileID := current.TileID + uint64(current.RunLength)
		expectedOffset := current.Offset + uint64(current.Length)*uint64(current.RunLength)

		if e.TileID == expectedTileID &&
			e.Offset == expectedOffset &&
			e.Length == current.Length {
			current.RunLength++
		} else {
			result = append(result, current)
			current = e
			current.RunLength = 1
		}
	}
	result = append(result, current)

	return result
}

// sortEntriesByTileID sorts entries into ascending tile_id order. Nothing in
// the module calls it: the writer builds directories from entries already
// in write order.
func sortEntriesByTileID(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].TileID < entries[j].TileID })
}
