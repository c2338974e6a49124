package version

import "fmt"

// 版本层领域错误

// ErrDeltaGenerationFailed reports inputs the codec cannot diff.
type ErrDeltaGenerationFailed struct {
	Reason string
}

func (e *ErrDeltaGenerationFailed) Error() string {
	return fmt.Sprintf("delta generation failed: %s", e.Reason)
}

// ErrDeltaApplicationFailed reports a delta that does not fit its base.
type ErrDeltaApplicationFailed struct {
	Reason string
}

func (e *ErrDeltaApplicationFailed) Error() string {
	return fmt.Sprintf("delta application failed: %s", e.Reason)
}

// ErrDeltaCorrupted reports a stored delta whose hash no longer matches
// its log entry.
type ErrDeltaCorrupted struct {
	Timestamp int64
	Reason    string
}

func (e *ErrDeltaCorrupted) Error() string {
	return fmt.Sprintf("delta for version %d corrupted: %s", e.Timestamp, e.Reason)
}

// ErrLogCorrupted reports an unparseable version log line.
type ErrLogCorrupted struct {
	Line   int
	Reason string
}

func (e *ErrLogCorrupted) Error() string {
	return fmt.Sprintf("version log corrupted at line %d: %s", e.Line, e.Reason)
}
