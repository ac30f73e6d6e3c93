package protocol

const (
	// Request validation.
	ErrMissingCommand      = "E_MISSING_COMMAND"
	ErrUnrecognizedCommand = "E_UNRECOGNIZED_COMMAND"
	ErrBadRequest          = "E_BAD_REQUEST"

	// Engine layer.
	ErrOracleFailure = "E_ORACLE_FAILURE"
	ErrStepTimeout   = "E_STEP_TIMEOUT"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrMissingCommand:      {},
	ErrUnrecognizedCommand: {},
	ErrBadRequest:          {},
	ErrOracleFailure:       {},
	ErrStepTimeout:         {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
