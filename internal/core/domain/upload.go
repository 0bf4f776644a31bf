package domain

import (
	"sort"
	"time"
)

type UploadStatus string

const (
	UploadInProgress UploadStatus = "in-progress"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// DefaultSessionTTL is how long an unfinished upload session lives.
const DefaultSessionTTL = 24 * time.Hour

type UploadSession struct {
	ID             string       `json:"session_id"`
	UserID         string       `json:"user_id"`
	FileName       string       `json:"file_name"`
	ContentType    string       `json:"content_type"`
	TotalSize      int64        `json:"total_size"`
	TotalChunks    int          `json:"total_chunks"`
	ChunkSize      int64        `json:"chunk_size"`
	ReceivedChunks []int        `json:"received_chunks"`
	Status         UploadStatus `json:"status"`
	FinalKey       string       `json:"final_key,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

type UploadProgress struct {
	UploadedCount int          `json:"uploaded_count"`
	TotalChunks   int          `json:"total_chunks"`
	Percentage    float64      `json:"percentage"`
	Status        UploadStatus `json:"status"`
}

// ChunkSizeFor returns the fixed chunk size for a file split into totalChunks parts.
func ChunkSizeFor(totalSize int64, totalChunks int) int64 {
	if totalChunks <= 0 {
		return 0
	}
	n := int64(totalChunks)
	return (totalSize + n - 1) / n
}

func (s *UploadSession) HasChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	return i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index
}

func (s *UploadSession) ValidIndex(index int) bool {
	return index >= 0 && index < s.TotalChunks
}

// MissingChunks lists every index in [0, TotalChunks) that has not been received.
func (s *UploadSession) MissingChunks() []int {
	missing := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if !s.HasChunk(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

func (s *UploadSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

func (s *UploadSession) Progress() UploadProgress {
	var pct float64
	if s.TotalChunks > 0 {
		pct = float64(len(s.ReceivedChunks)) / float64(s.TotalChunks) * 100
	}
	return UploadProgress{
		UploadedCount: len(s.ReceivedChunks),
		TotalChunks:   s.TotalChunks,
		Percentage:    pct,
		Status:        s.Status,
	}
}

// CanTransition reports whether the session may move from its current status to next.
// Only in-progress sessions move, and only forward.
func (s *UploadSession) CanTransition(next UploadStatus) bool {
	if s.Status != UploadInProgress {
		return false
	}
	return next == UploadCompleted || next == UploadFailed
}

// NormalizeChunks sorts and deduplicates a received-chunk list in place.
func NormalizeChunks(chunks []int) []int {
	if len(chunks) == 0 {
		return []int{}
	}
	sort.Ints(chunks)
	out := chunks[:1]
	for _, c := range chunks[1:] {
		if c != out[len(out)-1] {
			out = append(out, c)
		}
	}
	return out
}
