// Package attachments prepares, stores, serves and expires message attachments.
//
// Every call site (WebSocket inline files, multipart uploads) goes through
// Pipeline.Prepare, which validates, optionally recompresses and encrypts, and
// writes the object before any metadata row exists.
package attachments

import (
	"io"
	"strings"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// Attachment is the metadata row for a stored object.
type Attachment struct {
	ID           string
	OwnerID      string
	RoomID       string
	MessageID    string
	ObjectKey    string
	Name         string
	MIME         string
	DeclaredSize int64
	Size         int64
	Compressed   bool
	KeyRef       string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Ref is the weak reference embedded in message payloads.
func (a Attachment) Ref() *chat.AttachmentRef {
	return &chat.AttachmentRef{ID: a.ID, Name: a.Name, MIME: a.MIME, Size: a.Size}
}

func (a Attachment) Encrypted() bool { return a.KeyRef != "" }

// Expired reports whether the attachment is no longer downloadable at now.
func (a Attachment) Expired(now time.Time) bool {
	if a.DeletedAt != nil {
		return true
	}
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// File is an incoming upload. Size is the client-declared length.
type File struct {
	Name string
	MIME string
	Size int64
	Body io.Reader
}

// PrepareOptions controls a single Prepare call.
type PrepareOptions struct {
	OwnerID string
	RoomID  string

	Compress bool
	Encrypt  bool
	// KeyRef selects the encryption key. Empty uses the pipeline's current key.
	KeyRef string

	ExpiresAt *time.Time
	// Timeout bounds the whole call. Zero uses Config.PrepareTimeout.
	Timeout time.Duration
}

// Config tunes the pipeline.
type Config struct {
	MaxBytes int64
	// AllowedMIME entries are exact types or "type/*" wildcards.
	AllowedMIME []string

	// ImageBudget is the byte target for recompressed images.
	ImageBudget  int64
	ImageMaxDim  int
	ImageQuality int

	KeyPrefix      string
	PrepareTimeout time.Duration

	SweepCron  string
	SweepBatch int
}

func DefaultConfig() Config {
	return Config{
		MaxBytes: 25 << 20,
		AllowedMIME: []string{
			"image/*",
			"audio/*",
			"video/*",
			"text/plain",
			"application/pdf",
			"application/zip",
			"application/octet-stream",
		},
		ImageBudget:    1 << 20,
		ImageMaxDim:    2048,
		ImageQuality:   85,
		KeyPrefix:      "attachments",
		PrepareTimeout: 30 * time.Second,
		SweepCron:      "* * * * *",
		SweepBatch:     200,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if len(c.AllowedMIME) == 0 {
		c.AllowedMIME = d.AllowedMIME
	}
	if c.ImageBudget <= 0 {
		c.ImageBudget = d.ImageBudget
	}
	if c.ImageMaxDim <= 0 {
		c.ImageMaxDim = d.ImageMaxDim
	}
	if c.ImageQuality <= 0 || c.ImageQuality > 100 {
		c.ImageQuality = d.ImageQuality
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = d.PrepareTimeout
	}
	if strings.TrimSpace(c.SweepCron) == "" {
		c.SweepCron = d.SweepCron
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

func (c Config) mimeAllowed(mime string) bool {
	for _, pat := range c.AllowedMIME {
		if pat == mime {
			return true
		}
		if prefix, ok := strings.CutSuffix(pat, "/*"); ok && strings.HasPrefix(mime, prefix+"/") {
			return true
		}
	}
	return false
}

func notFound(op, id string) error {
	return chat.NotFoundError{Op: op, Kind: chat.ErrAttachmentNotFound, Resource: id}
}

func gone(op string) error {
	return chat.OpError{Op: op, Kind: chat.ErrGone, Msg: "attachment expired"}
}
