package job

import "fmt"

// Signal is a termination signal number. Values from 120 upward are pseudo-signals
// that encode infrastructure failures rather than OS signals.
type Signal int

const (
	SignalLost               Signal = 120
	SignalCancelled          Signal = 121
	SignalRemoteKill         Signal = 122
	SignalDataStagingFailure Signal = 123
	SignalRemoteError        Signal = 124
	SignalSubmissionFailed   Signal = 125
)

var pseudoSignalDescriptions = map[Signal]string{
	SignalLost:               "Remote site reports no information about the job",
	SignalCancelled:          "Job canceled by user",
	SignalRemoteKill:         "Job killed by batch system or sysadmin",
	SignalDataStagingFailure: "Data staging failure",
	SignalRemoteError:        "Unspecified remote error",
	SignalSubmissionFailed:   "Submission to batch system failed",
}

// IsPseudo reports whether s is in the reserved infrastructure-failure range.
func (s Signal) IsPseudo() bool {
	return s >= 120 && s <= 127
}

// Description is a human-readable explanation for pseudo-signals, or the signal
// number for real ones.
func (s Signal) Description() string {
	if d, ok := pseudoSignalDescriptions[s]; ok {
		return d
	}
	return fmt.Sprintf("signal %d", int(s))
}

// EncodeReturnCode packs an exit code and signal into a POSIX-style 16-bit status.
func EncodeReturnCode(exitcode int, signal Signal) int {
	return (exitcode&0xff)<<8 | int(signal)&0x7f
}

// DecodeReturnCode splits a combined status into signal and exit code.
func DecodeReturnCode(rc int) (Signal, int) {
	return Signal(rc & 0x7f), (rc >> 8) & 0xff
}

// TermStatusFromShell maps a shell exit status ($?) to signal and exit code:
// values above 128 mean the process died by signal value-128 and has no exit code.
func TermStatusFromShell(status int) (Signal, int) {
	status &= 0xff
	if status > 128 {
		return Signal(status - 128), -1
	}
	return 0, status
}
