package bystronic

import (
	"fmt"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

// Error kinds. Use errors.Is to classify any error returned by this package.
var (
	// ErrConfiguration reports invalid setup. Returned by constructors and
	// options only.
	ErrConfiguration = model.ErrConfiguration

	// ErrConnectionFailure reports a failed or timed out connect.
	ErrConnectionFailure = model.ErrConnectionFailure

	// ErrTimeout reports a request whose deadline elapsed.
	ErrTimeout = model.ErrTimeout

	// ErrNotConnected reports an on-demand query against a machine whose
	// session is not currently established.
	ErrNotConnected = model.ErrNotConnected

	// ErrRequestFailure reports a protocol-level request error.
	ErrRequestFailure = model.ErrRequestFailure

	// ErrRetryLimitExceeded is the kind of the terminal error recorded in a
	// machine's snapshot when its monitor loop gives up.
	ErrRetryLimitExceeded = model.ErrRetryLimitExceeded

	// ErrUnknownMachine reports a machine name that is not configured.
	ErrUnknownMachine = model.ErrUnknownMachine

	// ErrShutdownTimeout reports monitor loops or status callbacks that did
	// not finish within the shutdown timeout.
	ErrShutdownTimeout = model.ErrShutdownTimeout

	// ErrJournalDisabled reports a transition query on a fleet without a
	// journal.
	ErrJournalDisabled = model.ErrJournalDisabled
)

// OpError describes a failed operation against one machine. It matches both
// its Kind and its underlying cause with errors.Is.
type OpError = model.OpError

// configError returns an error of kind [ErrConfiguration].
func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
