// Package upload ships finished conversations to the backend.
package upload

import (
	"fmt"
	"time"
)

// TimeLayout is ISO-8601 UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const (
	StatusCompleted = "completed"
)

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// SpeakerLabel renders a speaker number as SPEAKER_00, SPEAKER_01, ...
func SpeakerLabel(speaker int) string {
	return fmt.Sprintf("SPEAKER_%02d", speaker)
}

type Segment struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	SpeakerID int     `json:"speaker_id"`
	IsUser    bool    `json:"is_user"`
	PersonID  string  `json:"person_id,omitempty"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Request is the body of POST /v1/conversations/from-segments.
type Request struct {
	Segments        []Segment `json:"transcript_segments"`
	Source          string    `json:"source"`
	StartedAt       string    `json:"started_at"`
	FinishedAt      string    `json:"finished_at"`
	Language        string    `json:"language"`
	Timezone        string    `json:"timezone"`
	InputDeviceName string    `json:"input_device_name,omitempty"`
}

// Response is the backend's verdict on an uploaded conversation.
type Response struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Discarded bool   `json:"discarded"`
}

// applyDefaults fills fields older backends omit.
func (r *Response) applyDefaults() {
	if r.Status == "" {
		r.Status = StatusCompleted
	}
}
