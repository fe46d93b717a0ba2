package training

import "errors"

// ErrStaleGradient marks a GRADIENT_SUBMIT rejected for exceeding
// MaxStaleGradients (spec §4.8 step 2, §7 StaleGradient). HandleGradientSubmit
// itself has no error return (it answers over the wire instead), so this is
// surfaced only through logging and is exported for tests and callers that
// want to errors.Is against the dropped-gradient log line.
var ErrStaleGradient = errors.New("gradient submission exceeds max staleness")
