package source

import (
	"fmt"

	"github.com/scigolib/nxstools/filewriter"
	"github.com/scigolib/nxstools/internal/utils"
)

// decodeRaw interprets data as one little-endian frame of the declared layout.
func decodeRaw(data []byte, layout RawLayout) (*filewriter.Array, error) {
	if !layout.Declared() {
		return nil, fmt.Errorf("raw source needs a declared dtype and shape")
	}
	if !layout.DType.IsNumeric() {
		return nil, fmt.Errorf("raw source dtype %q is not numeric", layout.DType)
	}
	size, err := utils.ByteSize(layout.Shape, uint64(layout.DType.Size()))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("raw source holds %d bytes, %s%v needs %d",
			len(data), layout.DType, layout.Shape, size)
	}
	return &filewriter.Array{
		DType: layout.DType,
		Shape: append([]uint64(nil), layout.Shape...),
		Data:  data,
	}, nil
}
