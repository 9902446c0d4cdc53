package errorsx

import "errors"

// ReasonedError tags an error with the reason code carried into
// notifications and log lines.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Sentinel builds a package level error that already carries reason.
func Sentinel(reason ReasonCode, msg string) error {
	return ReasonedError{Err: errors.New(msg), Reason: reason}
}

// Wrap tags err with reason. An error that already has a reason keeps it, so
// the cause closest to the failure is what gets reported.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns the outermost reason in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err == nil || !errors.As(err, &re) {
		return ReasonUnknown
	}
	return re.Reason
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Transient reports whether err describes a condition that a later attempt
// or the next turn may clear. Notifications for transient errors are
// published as warnings.
func Transient(err error) bool {
	switch Reason(err) {
	case ReasonSessionRateLimit, ReasonSessionCircuitOpen, ReasonChannelStream, ReasonTranscriptError, ReasonStopTimeout:
		return true
	}
	return false
}

// Severity is the notification level for err.
func Severity(err error) string {
	if Transient(err) {
		return "warning"
	}
	return "error"
}
