// Package session reassembles chunked telemetry transfers into complete
// session records.
package session

import (
	"time"

	"github.com/scratcha/scratcha/internal/telemetry"
)

// Record is one fully received telemetry transfer.
type Record struct {
	ID          string                `json:"id"`
	ProblemID   string                `json:"problem_id"`
	TotalChunks int                   `json:"total_chunks"`
	Events      []telemetry.Entry     `json:"events"`
	Meta        telemetry.SessionMeta `json:"meta"`
	Client      ClientInfo            `json:"client"`
	// FirstChunkAt is the client timestamp of chunk 0.
	FirstChunkAt time.Time `json:"first_chunk_at"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ClientInfo describes the device that submitted the telemetry.
type ClientInfo struct {
	IP             string `json:"ip,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
	OS             string `json:"os"`
	DeviceType     string `json:"device_type"`
	Country        string `json:"country"`
	City           string `json:"city"`
}
