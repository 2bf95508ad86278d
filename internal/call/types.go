package call

import "time"

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Segment is one translated utterance. Timestamps are milliseconds relative
// to call start and must be strictly increasing.
type Segment struct {
	Speaker      int    `json:"speaker"`
	Original     string `json:"original"`
	Translated   string `json:"translated"`
	LanguageFrom string `json:"language_from"`
	LanguageTo   string `json:"language_to"`
	TimestampMS  int64  `json:"timestamp"`
}

// QualitySample is one connection-quality measurement. Samples are kept in
// arrival order; the values themselves are independent measurements.
type QualitySample struct {
	LatencyMS  float64   `json:"latency_ms"`
	PacketLoss float64   `json:"packet_loss"`
	JitterMS   float64   `json:"jitter_ms"`
	At         time.Time `json:"at"`
}

// Call is a live session between the two participants of an accepted match.
type Call struct {
	ID              string          `json:"id"`
	MatchID         string          `json:"match_id"`
	UserID1         string          `json:"user_id_1"`
	UserID2         string          `json:"user_id_2"`
	RoomName        string          `json:"room_name,omitempty"`
	RoomURL         string          `json:"room_url,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	DurationSeconds int64           `json:"duration_seconds"`
	Segments        []Segment       `json:"translation_segments"`
	Quality         []QualitySample `json:"connection_quality"`
	// Echo ids by owning user, set once composed.
	Echoes map[string]string `json:"echoes,omitempty"`

	joined map[string]bool
}

func (c Call) Clone() Call {
	out := c
	if c.Segments != nil {
		out.Segments = make([]Segment, len(c.Segments))
		copy(out.Segments, c.Segments)
	}
	if c.Quality != nil {
		out.Quality = make([]QualitySample, len(c.Quality))
		copy(out.Quality, c.Quality)
	}
	if c.Echoes != nil {
		out.Echoes = make(map[string]string, len(c.Echoes))
		for k, v := range c.Echoes {
			out.Echoes[k] = v
		}
	}
	if c.joined != nil {
		out.joined = make(map[string]bool, len(c.joined))
		for k, v := range c.joined {
			out.joined[k] = v
		}
	}
	return out
}

func (c Call) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

func (c Call) Involves(userID string) bool {
	return c.UserID1 == userID || c.UserID2 == userID
}

// Slot returns the speaker marker (1 or 2) for a participant, 0 otherwise.
func (c Call) Slot(userID string) int {
	switch userID {
	case c.UserID1:
		return 1
	case c.UserID2:
		return 2
	default:
		return 0
	}
}

type EventType string

const (
	EventCallStarted EventType = "call_started"
	EventCallSegment EventType = "call_segment"
	EventCallQuality EventType = "call_quality"
	EventCallEnded   EventType = "call_ended"
)

// Event is pushed to websocket subscribers as the call progresses.
type Event struct {
	Type    EventType      `json:"type"`
	CallID  string         `json:"call_id"`
	Status  Status         `json:"status"`
	Segment *Segment       `json:"segment,omitempty"`
	Quality *QualitySample `json:"quality,omitempty"`
	At      time.Time      `json:"at"`
}
