package nxstools

import "github.com/scigolib/nxstools/internal/utils"

// Error kinds reported by collection. Test for them with errors.Is.
var (
	ErrMissingSource    = utils.ErrMissingSource
	ErrUnreadableSource = utils.ErrUnreadableSource
	ErrShapeMismatch    = utils.ErrShapeMismatch
	ErrDestinationWrite = utils.ErrDestinationWrite
	ErrInvalidSpec      = utils.ErrInvalidSpec
)

// SourceError describes a source file that could not be resolved or
// loaded, with every path that was tried.
type SourceError = utils.SourceError
