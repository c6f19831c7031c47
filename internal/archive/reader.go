package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// Reader provides range-read access to an existing archive, satisfying
// §4.6's requirement that the container support range-read of individual
// tiles without loading the whole file.
type Reader struct {
	file    *os.File
	header  Header
	entries []Entry
	tileIdx map[uint64]tileRef
}

type tileRef struct {
	offset uint64
	length uint32
}

// OpenReader opens an archive for reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: fmt.Sprintf("opening %s", path), Err: err}
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		f.Close()
		return nil, &IOError{Op: "reading header", Err: err}
	}

	header, err := DeserializeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	rootDirData := make([]byte, header.RootDirLength)
	if _, err := f.ReadAt(rootDirData, int64(header.RootDirOffset)); err != nil {
		f.Close()
		return nil, &IOError{Op: "reading root directory", Err: err}
	}

	rootEntries, err := DeserializeDirectory(rootDirData)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: parsing root directory: %w", err)
	}

	var allEntries []Entry
	for _, e := range rootEntries {
		if e.RunLength == 0 {
			leafData := make([]byte, e.Length)
			absOffset := int64(header.LeafDirOffset + e.Offset)
			if _, err := f.ReadAt(leafData, absOffset); err != nil {
				f.Close()
				return nil, &IOError{Op: fmt.Sprintf("reading leaf directory at %d", absOffset), Err: err}
			}
			leafEntries, err := DeserializeDirectory(leafData)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("archive: parsing leaf directory: %w", err)
			}
			allEntries = append(allEntries, leafEntries...)
		} else {
			allEntries = append(allEntries, e)
		}
	}

	tileIdx := make(map[uint64]tileRef, len(allEntries)*2)
	var expanded []Entry
	for _, e := range allEntries {
		for r := uint32(0); r < e.RunLength; r++ {
			tileID := e.TileID + uint64(r)
			ref := tileRef{
				offset: header.TileDataOffset + e.Offset + uint64(r)*uint64(e.Length),
				length: e.Length,
			}
			tileIdx[tileID] = ref
			expanded = append(expanded, Entry{TileID: tileID, Offset: ref.offset, Length: ref.length, RunLength: 1})
		}
	}

	sort.Slice(expanded, func(i, j int) bool { return expanded[i].TileID < expanded[j].TileID })

	return &Reader{file: f, header: header, entries: expanded, tileIdx: tileIdx}, nil
}

// Header returns the parsed archive header.
func (r *Reader) Header() Header { return r.header }

// ReadTile returns the raw encoded bytes for z/x/y, or nil, nil if absent.
func (r *Reader) ReadTile(z, x, y int) ([]byte, error) {
	tileID := ZXYToTileID(z, x, y)
	return r.ReadTileByID(tileID)
}

// ReadTileByID returns the raw encoded bytes for a tile_id directly.
func (r *Reader) ReadTileByID(tileID uint64) ([]byte, error) {
	ref, ok := r.tileIdx[tileID]
	if !ok {
		return nil, nil
	}
	data := make([]byte, ref.length)
	if _, err := r.file.ReadAt(data, int64(ref.offset)); err != nil {
		return nil, &IOError{Op: fmt.Sprintf("reading tile_id %d", tileID), Err: err}
	}
	return data, nil
}

// TilesAtZoom returns every [z,x,y] addressed at the given zoom level.
func (r *Reader) TilesAtZoom(z int) [][3]int {
	var minID uint64
	for i := 0; i < z; i++ {
		n := uint64(1) << uint(i)
		minID += n * n
	}
	n := uint64(1) << uint(z)
	maxID := minID + n*n

	start := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].TileID >= minID })

	var tiles [][3]int
	for i := start; i < len(r.entries); i++ {
		e := r.entries[i]
		if e.TileID >= maxID {
			break
		}
		_, x, y := TileIDToZXY(e.TileID)
		tiles = append(tiles, [3]int{z, x, y})
	}
	return tiles
}

// NumTiles returns the total number of addressed tiles.
func (r *Reader) NumTiles() int { return len(r.entries) }

// AllTileIDs returns every addressed tile_id in ascending order, the
// property §8's "archive monotonicity" invariant is checked against.
func (r *Reader) AllTileIDs() []uint64 {
	ids := make([]uint64, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.TileID
	}
	return ids
}

// ReadMetadata reads and decompresses the archive's JSON metadata map.
func (r *Reader) ReadMetadata() (map[string]interface{}, error) {
	if r.header.MetadataLength == 0 {
		return nil, nil
	}

	metaRaw := make([]byte, r.header.MetadataLength)
	if _, err := r.file.ReadAt(metaRaw, int64(r.header.MetadataOffset)); err != nil {
		return nil, &IOError{Op: "reading metadata", Err: err}
	}

	gz, err := gzip.NewReader(bytes.NewReader(metaRaw))
	if err != nil {
		return nil, fmt.Errorf("archive: decompressing metadata: %w", err)
	}
	defer gz.Close()

	jsonData, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("archive: reading decompressed metadata: %w", err)
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(jsonData, &meta); err != nil {
		return nil, fmt.Errorf("archive: parsing metadata JSON: %w", err)
	}
	return meta, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
