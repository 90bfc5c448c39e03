// Package source loads image payloads from the per-frame files written by
// detectors: TIFF, CBF, raw binary dumps and HDF5/NeXus containers.
package source

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// ResolvedSource is an existing file together with an optional inner path
// naming a dataset inside a container file.
type ResolvedSource struct {
	Path      string
	InnerPath string
}

// Format identifies a source decoder.
type Format int

// Known source formats.
const (
	FormatUnknown Format = iota
	FormatTIFF
	FormatCBF
	FormatContainer
	FormatRaw
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatTIFF:
		return "tiff"
	case FormatCBF:
		return "cbf"
	case FormatContainer:
		return "container"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// RawLayout declares dtype and frame shape for headerless sources.
type RawLayout struct {
	DType filewriter.DType
	Shape []uint64
}

// Declared reports whether both dtype and shape are set.
func (l RawLayout) Declared() bool {
	return l.DType != "" && len(l.Shape) > 0
}

// Loader decodes source files into arrays.
type Loader struct {
	// Fs serves TIFF, CBF and raw files. Nil means the OS filesystem.
	Fs afero.Fs
	// Backend opens container files. Nil disables container sources.
	Backend filewriter.Backend
	// Raw is used for raw sources and for files of unknown type.
	Raw RawLayout
}

// DetectFormat picks a decoder from the file extension. Compression
// suffixes (.gz, .zst) are looked through.
func DetectFormat(path string) Format {
	ext := strings.ToLower(filepath.Ext(stripCompression(path)))
	switch ext {
	case ".tif", ".tiff":
		return FormatTIFF
	case ".cbf":
		return FormatCBF
	case ".h5", ".nxs", ".nx", ".hdf5", ".hdf":
		return FormatContainer
	case ".raw", ".bin", ".dat":
		return FormatRaw
	default:
		return FormatUnknown
	}
}

// Load returns the payload of src. Every failure is reported as an
// unreadable-source error carrying src.Path.
func (l *Loader) Load(src ResolvedSource) (*filewriter.Array, error) {
	arr, err := l.load(src)
	if err != nil {
		return nil, utils.Unreadable(src.Path, err)
	}
	if err := arr.Validate(); err != nil {
		return nil, utils.Unreadable(src.Path, err)
	}
	return arr, nil
}

func (l *Loader) load(src ResolvedSource) (*filewriter.Array, error) {
	format := DetectFormat(src.Path)
	if format == FormatContainer {
		return l.loadContainer(src)
	}
	if src.InnerPath != "" {
		return nil, fmt.Errorf("inner path %q given for a %s file", src.InnerPath, format)
	}

	data, err := l.readAll(src.Path)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatTIFF:
		return decodeTIFF(data)
	case FormatCBF:
		return decodeCBF(data)
	case FormatRaw:
		return decodeRaw(data, l.Raw)
	default:
		if !l.Raw.Declared() {
			return nil, fmt.Errorf("unknown source type %q", filepath.Ext(src.Path))
		}
		return decodeRaw(data, l.Raw)
	}
}

func (l *Loader) fs() afero.Fs {
	if l.Fs == nil {
		return afero.NewOsFs()
	}
	return l.Fs
}

// readAll reads path, transparently decompressing .gz and .zst files.
func (l *Loader) readAll(path string) ([]byte, error) {
	f, err := l.fs().Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stripCompression(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".zst":
		return strings.TrimSuffix(path, filepath.Ext(path))
	}
	return path
}
