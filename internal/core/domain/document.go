package domain

import (
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

type Document struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	FileName           string            `json:"file_name"`
	ContentType        string            `json:"content_type"`
	Size               int64             `json:"size"`
	StorageKey         string            `json:"storage_key"`
	Title              string            `json:"title,omitempty"`
	Description        string            `json:"description,omitempty"`
	Category           string            `json:"category,omitempty"`
	Status             DocumentStatus    `json:"status"`
	Error              string            `json:"error,omitempty"`
	ExtractedText      string            `json:"extracted_text,omitempty"`
	OCRCompleted       bool              `json:"ocr_completed"`
	Tags               []string          `json:"tags"`
	ThumbnailKey       string            `json:"thumbnail_key,omitempty"`
	SearchText         string            `json:"-"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
	ProcessingDuration time.Duration     `json:"processing_duration_ns,omitempty"`
	Versions           []DocumentVersion `json:"versions"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	// Revision counts accepted writes and guards Replace against lost updates.
	Revision int64 `json:"revision"`
}

type DocumentVersion struct {
	StorageKey string    `json:"storage_key"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// DocumentUpdate is a partial update: nil fields are left untouched.
type DocumentUpdate struct {
	Title              *string
	Description        *string
	Category           *string
	Status             *DocumentStatus
	Error              *string
	ExtractedText      *string
	OCRCompleted       *bool
	Tags               []string
	ThumbnailKey       *string
	SearchText         *string
	ProcessedAt        *time.Time
	ProcessingDuration *time.Duration
}

// Apply merges the non-nil fields of u into doc.
func (u DocumentUpdate) Apply(doc *Document) {
	if u.Title != nil {
		doc.Title = *u.Title
	}
	if u.Description != nil {
		doc.Description = *u.Description
	}
	if u.Category != nil {
		doc.Category = *u.Category
	}
	if u.Status != nil {
		doc.Status = *u.Status
	}
	if u.Error != nil {
		doc.Error = *u.Error
	}
	if u.ExtractedText != nil {
		doc.ExtractedText = *u.ExtractedText
	}
	if u.OCRCompleted != nil {
		doc.OCRCompleted = *u.OCRCompleted
	}
	if u.Tags != nil {
		doc.Tags = append([]string(nil), u.Tags...)
	}
	if u.ThumbnailKey != nil {
		doc.ThumbnailKey = *u.ThumbnailKey
	}
	if u.SearchText != nil {
		doc.SearchText = *u.SearchText
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		doc.ProcessedAt = &t
	}
	if u.ProcessingDuration != nil {
		doc.ProcessingDuration = *u.ProcessingDuration
	}
}

func (u DocumentUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Category == nil && u.Status == nil &&
		u.Error == nil && u.ExtractedText == nil && u.OCRCompleted == nil && u.Tags == nil &&
		u.ThumbnailKey == nil && u.SearchText == nil && u.ProcessedAt == nil && u.ProcessingDuration == nil
}

// ListFilter scopes a partition query over one user's documents.
type ListFilter struct {
	Status   DocumentStatus
	Query    string
	PageSize int
	Offset   int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (f ListFilter) Normalize() ListFilter {
	out := f
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	out.Query = strings.ToLower(strings.TrimSpace(out.Query))
	return out
}

type DocumentPage struct {
	Items      []Document `json:"items"`
	NextOffset int        `json:"next_offset,omitempty"`
	HasMore    bool       `json:"has_more"`
}

func StringPtr(v string) *string { return &v }

func StatusPtr(v DocumentStatus) *DocumentStatus { return &v }
