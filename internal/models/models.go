package models

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	FormatWebP = "webp"
	FormatAVIF = "avif"
	FormatBoth = "both"
)

const (
	AspectKeep    = "keep"
	AspectCrop    = "crop"
	AspectStretch = "stretch"
)

// Settings are chosen once per batch and apply to every image in it.
type Settings struct {
	Format      string `json:"format" validate:"oneof=webp avif both"`
	Quality     int    `json:"quality" validate:"gte=1,lte=100"`
	MaxWidth    int    `json:"max_width" validate:"gte=0,lte=10000"`
	MaxHeight   int    `json:"max_height" validate:"gte=0,lte=10000"`
	AspectRatio string `json:"aspect_ratio" validate:"oneof=keep crop stretch"`
}

// Formats expands the "both" format into the concrete target list.
func (s Settings) Formats() []string {
	if s.Format == FormatBoth {
		return []string{FormatWebP, FormatAVIF}
	}
	return []string{s.Format}
}

func DefaultSettings() Settings {
	return Settings{
		Format:      FormatWebP,
		Quality:     80,
		AspectRatio: AspectKeep,
	}
}

type Batch struct {
	ID              uuid.UUID  `json:"id"`
	OwnerID         *string    `json:"owner_id,omitempty"` // user id, or nil for anonymous sessions
	SessionID       string     `json:"session_id,omitempty"`
	Status          Status     `json:"status"`
	Settings        Settings   `json:"settings"`
	Keywords        []string   `json:"keywords"`
	TotalImages     int        `json:"total_images"`
	ProcessedImages int        `json:"processed_images"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	ExportPath      string     `json:"export_path,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProgressPercentage is processed/total rounded to the nearest integer
// percent, and 0 for an empty batch.
func (b *Batch) ProgressPercentage() int {
	if b.TotalImages == 0 {
		return 0
	}
	return int(float64(b.ProcessedImages)/float64(b.TotalImages)*100 + 0.5)
}

func (b *Batch) Cancelled() bool {
	return b.CancelledAt != nil
}

type FileDescriptor struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Path   string `json:"path"`
}

// Complete reports whether every field a converted output needs is set.
func (f FileDescriptor) Complete() bool {
	return f.Name != "" && f.Format != "" && f.Path != "" && f.Size > 0 && f.Width > 0 && f.Height > 0
}

type SEO struct {
	Filename        string `json:"filename"`
	AltText         string `json:"alt_text"`
	Title           string `json:"title"`
	MetaDescription string `json:"meta_description"`
}

type ConvertedImage struct {
	ID           uuid.UUID        `json:"id"`
	BatchID      uuid.UUID        `json:"batch_id"`
	Ordinal      int              `json:"ordinal"`
	Original     FileDescriptor   `json:"original"`
	Outputs      []FileDescriptor `json:"outputs,omitempty"`
	SEO          SEO              `json:"seo"`
	Status       Status           `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Outcome is the terminal result of one image's unit of work.
type Outcome struct {
	Success bool
	Outputs []FileDescriptor
	SEO     SEO
	Error   string
}

func Succeeded(outputs []FileDescriptor, seo SEO) Outcome {
	return Outcome{Success: true, Outputs: outputs, SEO: seo}
}

func Failed(message string) Outcome {
	if message == "" {
		message = "conversion failed"
	}
	return Outcome{Error: message}
}

// Status is the image status this outcome moves to.
func (o Outcome) Status() Status {
	if o.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// Progress is the polling view of a batch.
type Progress struct {
	BatchID    uuid.UUID `json:"batch_id"`
	Status     Status    `json:"status"`
	Total      int       `json:"total_images"`
	Processed  int       `json:"processed_images"`
	Completed  int       `json:"completed_images"`
	Failed     int       `json:"failed_images"`
	Percentage int       `json:"progress_percentage"`
	Cancelled  bool      `json:"cancelled"`
	ExpiresAt  time.Time `json:"expires_at"`
	ExportPath string    `json:"export_path,omitempty"`
}

// UploadedFile describes one original stored before its batch is created.
type UploadedFile struct {
	ImageID  uuid.UUID
	Original FileDescriptor
}
