package transport

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Report is a point-in-time view of a sender's progress.
type Report struct {
	SessionID      string  `json:"sessionId"`
	State          string  `json:"state"`
	TotalChunks    int     `json:"totalChunks"`
	SentChunks     int     `json:"sentChunks"`
	Sending        bool    `json:"isSending"`
	Complete       bool    `json:"isComplete"`
	TotalSize      int     `json:"totalSize"`
	TotalSizeHuman string  `json:"totalSizeFormatted"`
	MaxSize        int     `json:"maxSize"`
	MaxSizeHuman   string  `json:"maxSizeFormatted"`
	SizeRatio      float64 `json:"sizeRatio"`
}

// Status reports the current session's progress and payload size.
func (s *Sender) Status() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{
		SessionID:    s.sessionID,
		State:        s.state.String(),
		TotalChunks:  s.totalChunks,
		SentChunks:   s.chunkIndex,
		Sending:      s.state == StateSending,
		Complete:     s.chunkIndex >= s.totalChunks,
		MaxSize:      s.cfg.MaxTotalSize,
		MaxSizeHuman: humanize.IBytes(uint64(s.cfg.MaxTotalSize)),
	}
	if info, err := s.measureLocked(); err == nil {
		r.TotalSize = info.ActualSize
		r.TotalSizeHuman = humanize.IBytes(uint64(info.ActualSize))
		r.SizeRatio = float64(info.ActualSize) / float64(info.MaxSize) * 100
	}
	return r
}

func (r Report) String() string {
	return fmt.Sprintf("%s: %d/%d chunks, %s of %s (%.1f%%)",
		r.SessionID, r.SentChunks, r.TotalChunks, r.TotalSizeHuman, r.MaxSizeHuman, r.SizeRatio)
}
