package cli

import (
	"errors"
	"fmt"

	"github.com/vburojevic/traced/internal/domain"
)

// outputErrorCommon normalizes error emission across commands, respecting
// ndjson vs text formats so scripts always get machine-readable failures.
func outputErrorCommon(globals *Globals, code, message string, hint ...string) error {
	if globals != nil && globals.Format == "ndjson" {
		globals.writer().WriteError(code, message, hint...)
	} else if globals != nil {
		fmt.Fprintf(globals.Stderr, "Error [%s]: %s", code, message)
		if len(hint) > 0 && hint[0] != "" {
			fmt.Fprintf(globals.Stderr, " (hint: %s)", hint[0])
		}
		fmt.Fprintln(globals.Stderr)
	}
	return errors.New(message)
}

// codeHints suggest a next step for daemon error codes.
var codeHints = map[domain.Code]string{
	domain.CodeNotFound:          "check 'traced state' for live sessions",
	domain.CodeConflict:          "pick another unique_session_name or detach key",
	domain.CodePermissionDenied:  "only the session owner or root may do this",
	domain.CodeInvalidState:      "check the session state with 'traced state'",
	domain.CodeTimeout:           "a producer did not acknowledge in time; data may be incomplete",
	domain.CodeResourceExhausted: "lower buffer sizes or raise buffers.max_total_kb",
}

// reportError prints a daemon error with its code and returns it.
func reportError(globals *Globals, err error) error {
	code := domain.CodeOf(err)
	return outputErrorCommon(globals, string(code), err.Error(), codeHints[code])
}
