package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrNoEvents        = errors.New("no events to send")
	ErrAlreadySending  = errors.New("chunk transfer already in progress")
	ErrSessionFinished = errors.New("session already finished, start a new session")
	ErrSessionReplaced = errors.New("session replaced during transfer")
)

// State is the lifecycle of one transport session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateCompleted
	StateFailed
	StateTimedOut
	StateSizeRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateSizeRejected:
		return "size_rejected"
	}
	return "unknown"
}

// Terminal reports whether the session can no longer send.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Outcome tags a Result.
type Outcome int

const (
	Completed Outcome = iota
	Failed
	TimedOut
	SizeRejected
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case SizeRejected:
		return "size_rejected"
	}
	return "unknown"
}

// Result is the single outcome of SendAllChunks.
type Result struct {
	Outcome     Outcome
	SessionID   string
	TotalChunks int
	SentChunks  int
	Err         error
	Size        *SizeInfo
}

func (r Result) OK() bool {
	return r.Outcome == Completed
}

// SizeInfo describes a payload measured against the size ceiling.
type SizeInfo struct {
	ActualSize int `json:"actualSize"`
	MaxSize    int `json:"maxSize"`
	EventCount int `json:"eventCount"`
}

// SizeExceededError is returned when the serialized payload is over the ceiling.
type SizeExceededError struct {
	SizeInfo
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("payload size %s exceeds limit %s (%d events)",
		humanize.IBytes(uint64(e.ActualSize)), humanize.IBytes(uint64(e.MaxSize)), e.EventCount)
}

// ChunkHTTPError is a non-2xx answer to a chunk POST.
type ChunkHTTPError struct {
	ChunkIndex int
	Status     int
	Body       string
}

func (e *ChunkHTTPError) Error() string {
	return fmt.Sprintf("chunk %d: HTTP %d: %s", e.ChunkIndex, e.Status, e.Body)
}

// ChunkTimeoutError means a chunk got no response within the per-chunk deadline.
type ChunkTimeoutError struct {
	ChunkIndex int
	Timeout    time.Duration
}

func (e *ChunkTimeoutError) Error() string {
	return fmt.Sprintf("chunk %d timed out after %s, check the network connection", e.ChunkIndex, e.Timeout)
}

// Callbacks adapts a Result to per-outcome hooks. Nil hooks are skipped.
type Callbacks struct {
	OnSuccess      func(Result)
	OnError        func(error)
	OnTimeout      func(message string)
	OnSizeExceeded func(SizeInfo)
}

// Dispatch invokes the hook matching the result's outcome.
func (c Callbacks) Dispatch(r Result) {
	switch r.Outcome {
	case Completed:
		if c.OnSuccess != nil {
			c.OnSuccess(r)
		}
	case TimedOut:
		if c.OnTimeout != nil {
			c.OnTimeout(r.Err.Error())
		}
	case SizeRejected:
		if c.OnSizeExceeded != nil && r.Size != nil {
			c.OnSizeExceeded(*r.Size)
		}
	default:
		if c.OnError != nil {
			c.OnError(r.Err)
		}
	}
}
