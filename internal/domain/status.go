package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase is the coarse lifecycle position of a task.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseStarting     Phase = "starting"
	PhaseDownloading  Phase = "downloading"
	PhaseFinished     Phase = "finished"
	PhaseCancelled    Phase = "cancelled"
	PhaseError        Phase = "error"
)

func (p Phase) rank() int {
	switch p {
	case PhaseInitializing:
		return 0
	case PhaseStarting:
		return 1
	case PhaseDownloading:
		return 2
	default:
		return 3
	}
}

// Reason discriminates error statuses.
type Reason string

const (
	ReasonSpawnFailed     Reason = "spawn_failed"
	ReasonExitCode        Reason = "exit_code"
	ReasonTimeoutNoOutput Reason = "timeout_no_output"
	ReasonTimeoutIdle     Reason = "timeout_idle"
	ReasonTimeoutWait     Reason = "timeout_wait"
	ReasonInternal        Reason = "internal"
	ReasonInterrupted     Reason = "interrupted"
)

// Status is a tagged lifecycle state. Reason, ExitCode and Detail are only
// meaningful when Phase is PhaseError.
type Status struct {
	Phase    Phase  `json:"phase"`
	Reason   Reason `json:"reason,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func StatusInitializing() Status { return Status{Phase: PhaseInitializing} }
func StatusStarting() Status     { return Status{Phase: PhaseStarting} }
func StatusDownloading() Status  { return Status{Phase: PhaseDownloading} }
func StatusFinished() Status     { return Status{Phase: PhaseFinished} }
func StatusCancelled() Status    { return Status{Phase: PhaseCancelled} }

func StatusSpawnFailed(detail string) Status {
	return Status{Phase: PhaseError, Reason: ReasonSpawnFailed, Detail: detail}
}

func StatusExitCode(code int) Status {
	return Status{Phase: PhaseError, Reason: ReasonExitCode, ExitCode: code}
}

func StatusTimeout(reason Reason) Status {
	return Status{Phase: PhaseError, Reason: reason}
}

func StatusInternal(detail string) Status {
	return Status{Phase: PhaseError, Reason: ReasonInternal, Detail: detail}
}

func StatusInterrupted() Status {
	return Status{Phase: PhaseError, Reason: ReasonInterrupted}
}

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	return s.Phase == PhaseFinished || s.Phase == PhaseCancelled || s.Phase == PhaseError
}

// IsTimeout reports whether the status is one of the timeout errors.
func (s Status) IsTimeout() bool {
	return s.Phase == PhaseError &&
		(s.Reason == ReasonTimeoutNoOutput || s.Reason == ReasonTimeoutIdle || s.Reason == ReasonTimeoutWait)
}

// String renders the status for API responses, e.g. "error: exit code 1".
func (s Status) String() string {
	if s.Phase != PhaseError {
		return string(s.Phase)
	}
	switch s.Reason {
	case ReasonExitCode:
		return fmt.Sprintf("error: exit code %d", s.ExitCode)
	case ReasonSpawnFailed:
		return "error: spawn failed"
	case ReasonTimeoutNoOutput:
		return "error: timeout (no output)"
	case ReasonTimeoutIdle:
		return "error: timeout (idle)"
	case ReasonTimeoutWait:
		return "error: timeout"
	case ReasonInterrupted:
		return "error: interrupted"
	case ReasonInternal:
		return "error: internal"
	default:
		return "error"
	}
}

// ParseStatus reads the plain string form written by older task files, e.g.
// "finished" or "error: Exit code 1". Error texts it does not recognise are
// kept as internal errors carrying the text as detail.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	switch Phase(s) {
	case PhaseInitializing, PhaseStarting, PhaseDownloading, PhaseFinished, PhaseCancelled:
		return Status{Phase: Phase(s)}, nil
	}

	rest, ok := strings.CutPrefix(s, string(PhaseError))
	if !ok || (rest != "" && rest[0] != ':') {
		return Status{}, fmt.Errorf("unknown status %q", s)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	lower := strings.ToLower(rest)

	if code, ok := strings.CutPrefix(lower, "exit code "); ok {
		n, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil {
			return Status{}, fmt.Errorf("bad exit code in status %q", s)
		}
		return StatusExitCode(n), nil
	}
	switch lower {
	case "timeout":
		return StatusTimeout(ReasonTimeoutWait), nil
	case "timeout (no output)":
		return StatusTimeout(ReasonTimeoutNoOutput), nil
	case "timeout (idle)":
		return StatusTimeout(ReasonTimeoutIdle), nil
	case "interrupted":
		return StatusInterrupted(), nil
	case "spawn failed":
		return StatusSpawnFailed(""), nil
	case "internal", "":
		return StatusInternal(""), nil
	}
	return StatusInternal(rest), nil
}
