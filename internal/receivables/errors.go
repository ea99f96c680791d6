package receivables

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

var (
	// ErrInvalidImport marks a rejected CSV upload.
	ErrInvalidImport = fmt.Errorf("receivables: invalid import: %w", httpx.ErrValidation)
	// ErrImportBusy is returned while another import of the same scope runs.
	ErrImportBusy = fmt.Errorf("receivables: import already running: %w", httpx.ErrConflict)
)

func invalidLine(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrInvalidImport, line, fmt.Sprintf(format, args...))
}
