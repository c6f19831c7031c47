package archive

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// OrderViolation is returned by WriteTile when tile_id does not strictly
// increase from the previously written tile_id.
type OrderViolation struct {
	Previous, Got uint64
}

func (e *OrderViolation) Error() string {
	return fmt.Sprintf("archive: tile_id %d is not strictly greater than previous tile_id %d", e.Got, e.Previous)
}

// Duplicate is returned by WriteTile when tile_id equals the previously
// written tile_id exactly (a special case of OrderViolation called out
// separately because it is the far more common mistake).
type Duplicate struct {
	TileID uint64
}

func (e *Duplicate) Error() string {
	return fmt.Sprintf("archive: duplicate tile_id %d", e.TileID)
}

// IOError wraps an underlying filesystem failure encountered while writing
// or finalizing an archive.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("archive: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// dedupEntry records the location of a previously written tile's bytes in
// the scratch tile-data file, keyed by FNV-64a content hash.
type dedupEntry struct {
	offset uint64
	length uint32
}

// Writer is the streaming Tile Archive Writer of §4.6: begin is NewWriter,
// write_tile is WriteTile (which rejects non-ascending tile_id), and
// finalize is Finalize, which returns the archive's MD5 checksum and writes
// a sibling "<path>.md5" file.
//
// Tile bytes are appended to a scratch file as they arrive; Finalize
// rewrites that scratch file in tile_id order (it is already in that order,
// since WriteTile enforces ascending tile_id, so this pass only needs to
// resolve FNV-64a dedup hits) before assembling the final container.
type Writer struct {
	outputPath string
	opts       WriterOptions
	header     Header

	tmpFile   *os.File
	tmpDir    string
	tmpOffset uint64
	entries   []Entry
	dedup     map[uint64]dedupEntry
	mu        sync.Mutex
	finalized bool
	lastID    uint64
	wroteAny  bool

	dedupHits int64
}

// NewWriter begins a new archive at outputPath with the header fields and
// metadata fixed by opts.
func NewWriter(outputPath string, opts WriterOptions) (*Writer, error) {
	tmpDir := opts.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Dir(outputPath)
	}

	tmpFile, err := os.CreateTemp(tmpDir, "archive-tiles-*.tmp")
	if err != nil {
		return nil, &IOError{Op: "creating scratch tile file", Err: err}
	}

	return &Writer{
		outputPath: outputPath,
		opts:       opts,
		header:     newHeader(opts),
		tmpFile:    tmpFile,
		tmpDir:     tmpDir,
		entries:    make([]Entry, 0, 65536),
		dedup:      make(map[uint64]dedupEntry),
	}, nil
}

func tileHash(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// WriteTile appends one tile. tile_id must strictly increase across calls;
// violating this returns Duplicate (equal tile_id) or OrderViolation
// (smaller tile_id). Identical tile bytes are deduplicated by FNV-64a
// content hash: repeat content (common for uniform-elevation ocean/void
// tiles) is written to the scratch file only once.
func (w *Writer) WriteTile(tileID uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.wroteAny {
		if tileID == w.lastID {
			return &Duplicate{TileID: tileID}
		}
		if tileID < w.lastID {
			return &OrderViolation{Previous: w.lastID, Got: tileID}
		}
	}

	hash := tileHash(data)

	if de, ok := w.dedup[hash]; ok && de.length == uint32(len(data)) {
		w.entries = append(w.entries, Entry{TileID: tileID, Offset: de.offset, Length: de.length, RunLength: 1})
		w.dedupHits++
		w.lastID = tileID
		w.wroteAny = true
		return nil
	}

	offset := w.tmpOffset
	n, err := w.tmpFile.Write(data)
	if err != nil {
		return &IOError{Op: "writing tile data", Err: err}
	}
	w.tmpOffset += uint64(n)
	w.dedup[hash] = dedupEntry{offset: offset, length: uint32(n)}

	w.entries = append(w.entries, Entry{TileID: tileID, Offset: offset, Length: uint32(len(data)), RunLength: 1})
	w.lastID = tileID
	w.wroteAny = true
	return nil
}

// Finalize assembles the directory and final container, writes it to
// outputPath, and writes a sibling "<outputPath>.md5" containing the
// archive's MD5 checksum. It returns that checksum as a lowercase hex
// string.
func (w *Writer) Finalize(metadata map[string]string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return "", fmt.Errorf("archive: already finalized")
	}
	w.finalized = true

	// Entries already arrive in ascending tile_id order (WriteTile enforces
	// it); clusterTileData only needs to resolve dedup remaps, it does not
	// need to reorder anything.
	if err := w.clusterTileData(); err != nil {
		return "", &IOError{Op: "clustering tile data", Err: err}
	}

	rootDir, leafDirs, err := buildDirectory(w.entries)
	if err != nil {
		return "", &IOError{Op: "building directory", Err: err}
	}

	metaBytes := w.buildMetadata(metadata)
	metaCompressed, err := compressGzip(metaBytes)
	if err != nil {
		return "", &IOError{Op: "compressing metadata", Err: err}
	}

	rootDirOffset := uint64(HeaderSize)
	rootDirLength := uint64(len(rootDir))
	metadataOffset := rootDirOffset + rootDirLength
	metadataLength := uint64(len(metaCompressed))
	leafDirOffset := metadataOffset + metadataLength
	leafDirLength := uint64(len(leafDirs))
	tileDataOffset := leafDirOffset + leafDirLength

	w.header.RootDirOffset = rootDirOffset
	w.header.RootDirLength = rootDirLength
	w.header.MetadataOffset = metadataOffset
	w.header.MetadataLength = metadataLength
	w.header.LeafDirOffset = leafDirOffset
	w.header.LeafDirLength = leafDirLength
	w.header.TileDataOffset = tileDataOffset
	w.header.TileDataLength = w.tmpOffset
	w.header.NumAddressedTiles = uint64(len(w.entries))
	w.header.NumTileEntries = uint64(len(w.entries))
	w.header.NumTileContents = uint64(len(w.entries) - int(w.dedupHits))

	outFile, err := os.Create(w.outputPath)
	if err != nil {
		return "", &IOError{Op: "creating output file", Err: err}
	}
	defer outFile.Close()

	sum := md5.New()
	mw := io.MultiWriter(outFile, sum)

	if _, err := mw.Write(w.header.Serialize()); err != nil {
		return "", &IOError{Op: "writing header", Err: err}
	}
	if _, err := mw.Write(rootDir); err != nil {
		return "", &IOError{Op: "writing root directory", Err: err}
	}
	if _, err := mw.Write(metaCompressed); err != nil {
		return "", &IOError{Op: "writing metadata", Err: err}
	}
	if len(leafDirs) > 0 {
		if _, err := mw.Write(leafDirs); err != nil {
			return "", &IOError{Op: "writing leaf directories", Err: err}
		}
	}

	if _, err := w.tmpFile.Seek(0, io.SeekStart); err != nil {
		return "", &IOError{Op: "seeking scratch file", Err: err}
	}
	if _, err := io.Copy(mw, w.tmpFile); err != nil {
		return "", &IOError{Op: "copying tile data", Err: err}
	}

	tmpPath := w.tmpFile.Name()
	w.tmpFile.Close()
	os.Remove(tmpPath)

	checksum := hex.EncodeToString(sum.Sum(nil))
	md5Path := w.outputPath + ".md5"
	md5Contents := fmt.Sprintf("%s %s\n", checksum, filepath.Base(w.outputPath))
	if err := os.WriteFile(md5Path, []byte(md5Contents), 0o644); err != nil {
		return "", &IOError{Op: "writing md5 sidecar", Err: err}
	}

	return checksum, nil
}

// clusterTileData rewrites the scratch file, resolving dedup remaps so
// every distinct tile's bytes appear exactly once and in the order their
// first occurrence was written (which is tile_id order, per WriteTile's
// ascending-order contract).
func (w *Writer) clusterTileData() error {
	newTmp, err := os.CreateTemp(w.tmpDir, "archive-clustered-*.tmp")
	if err != nil {
		return fmt.Errorf("creating clustered scratch file: %w", err)
	}

	buf := make([]byte, 256*1024)
	var newOffset uint64

	type remap struct {
		newOffset uint64
		length    uint32
	}
	seen := make(map[uint64]remap)

	for i := range w.entries {
		e := &w.entries[i]

		if m, ok := seen[e.Offset]; ok && m.length == e.Length {
			e.Offset = m.newOffset
			continue
		}

		tileLen := int64(e.Length)
		if tileLen > int64(len(buf)) {
			buf = make([]byte, tileLen)
		}
		if _, err := w.tmpFile.ReadAt(buf[:tileLen], int64(e.Offset)); err != nil {
			return fmt.Errorf("reading tile at offset %d: %w", e.Offset, err)
		}
		if _, err := newTmp.Write(buf[:tileLen]); err != nil {
			return fmt.Errorf("writing tile at new offset %d: %w", newOffset, err)
		}

		oldOffset := e.Offset
		e.Offset = newOffset
		seen[oldOffset] = remap{newOffset: newOffset, length: e.Length}
		newOffset += uint64(tileLen)
	}

	oldPath := w.tmpFile.Name()
	w.tmpFile.Close()
	os.Remove(oldPath)

	w.tmpFile = newTmp
	w.tmpOffset = newOffset

	return nil
}

// Abort discards the scratch file without producing an output archive. No
// artifact is left behind beyond begin(), per §4.6.
func (w *Writer) Abort() {
	if w.tmpFile != nil {
		tmpPath := w.tmpFile.Name()
		w.tmpFile.Close()
		os.Remove(tmpPath)
	}
}

// buildMetadata assembles the free-form metadata map, merging opts'
// built-in fields (name/description/type/attribution) with the caller's
// metadata argument, which takes precedence on key collision.
func (w *Writer) buildMetadata(extra map[string]string) []byte {
	tileFormatStr := TileTypeString(w.opts.TileFormat)

	name := w.opts.Name
	if name == "" {
		name = "mapterhorn"
	}
	description := w.opts.Description
	if description == "" {
		description = "Elevation tiles"
	}
	layerType := w.opts.Type
	if layerType == "" {
		layerType = "baselayer"
	}

	meta := map[string]interface{}{
		"name":        name,
		"description": description,
		"format":      tileFormatStr,
		"type":        layerType,
		"minzoom":     fmt.Sprintf("%d", w.opts.MinZoom),
		"maxzoom":     fmt.Sprintf("%d", w.opts.MaxZoom),
		"bounds": fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			w.opts.Bounds.MinLon, w.opts.Bounds.MinLat, w.opts.Bounds.MaxLon, w.opts.Bounds.MaxLat),
		"center": fmt.Sprintf("%.6f,%.6f,%d",
			(w.opts.Bounds.MinLon+w.opts.Bounds.MaxLon)/2,
			(w.opts.Bounds.MinLat+w.opts.Bounds.MaxLat)/2,
			(w.opts.MinZoom+w.opts.MaxZoom)/2),
	}
	if w.opts.Attribution != "" {
		meta["attribution"] = w.opts.Attribution
	}
	for k, v := range extra {
		meta[k] = v
	}

	data, _ := json.Marshal(meta)
	return data
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
