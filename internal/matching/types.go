package matching

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Match pairs two users whose clips scored above the similarity threshold.
// At most one pending or accepted match exists per user at a time.
type Match struct {
	ID              string    `json:"id"`
	UserID1         string    `json:"user_id_1"`
	UserID2         string    `json:"user_id_2"`
	SimilarityScore float64   `json:"similarity_score"`
	VoiceClipID1    string    `json:"voice_clip_id_1"`
	VoiceClipID2    string    `json:"voice_clip_id_2"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (m Match) Clone() Match {
	return m
}

// Active reports whether the match still blocks its users from re-entering
// matching.
func (m Match) Active() bool {
	return m.Status == StatusPending || m.Status == StatusAccepted
}

func (m Match) Involves(userID string) bool {
	return m.UserID1 == userID || m.UserID2 == userID
}
