package engine

import (
	"fmt"
	"time"
)

// Report summarises one full scan.
type Report struct {
	Started time.Time `json:"started"`
	// New is the number of remote files not yet in the index.
	New int `json:"new"`
	// Seen is the number of distinct remote files in all fetched trees.
	Seen int `json:"seen"`
	// Processed counts pointers written or copies made, including targets
	// kept because they already existed.
	Processed int `json:"processed"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
	// FetchFailed lists the local roots whose tree could not be fetched.
	FetchFailed []string      `json:"fetch_failed,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// String renders the report on one line.
func (r Report) String() string {
	return fmt.Sprintf("new=%d processed=%d ignored=%d failed=%d fetch_failed=%d elapsed=%s",
		r.New, r.Processed, r.Ignored, r.Failed, len(r.FetchFailed), FormatElapsed(r.Elapsed))
}

// FormatElapsed renders d as seconds under a minute, else minutes and seconds.
func FormatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 60 {
		return fmt.Sprintf("%.2fs", secs)
	}
	minutes := int(secs) / 60
	return fmt.Sprintf("%dm %.2fs", minutes, secs-float64(minutes*60))
}
