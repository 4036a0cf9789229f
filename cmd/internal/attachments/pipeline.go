package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
)

var errAlreadyBound = chat.OpError{Op: "attachments.Bind", Kind: chat.ErrValidation, Msg: "attachment already bound to another message"}

// MessageExpirer tombstones the message owning an expired attachment.
type MessageExpirer interface {
	Expire(ctx context.Context, messageID string, now time.Time) (chat.Message, error)
}

// Pipeline is the single entry point for attachment handling.
type Pipeline struct {
	cfg     Config
	objects ObjectStore
	meta    MetaStore
	keys    *Keyring
	expirer MessageExpirer

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

func WithKeyring(k *Keyring) Option { return func(p *Pipeline) { p.keys = k } }

func WithExpirer(e MessageExpirer) Option { return func(p *Pipeline) { p.expirer = e } }

func WithLogger(log *slog.Logger) Option { return func(p *Pipeline) { p.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func NewPipeline(cfg Config, objects ObjectStore, meta MetaStore, opts ...Option) (*Pipeline, error) {
	if objects == nil || meta == nil {
		return nil, errors.New("attachments: object and meta stores are required")
	}
	p := &Pipeline{
		cfg:     cfg.normalized(),
		objects: objects,
		meta:    meta,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if !gronx.New().IsValid(p.cfg.SweepCron) {
		return nil, fmt.Errorf("attachments: invalid sweep cron %q", p.cfg.SweepCron)
	}
	return p, nil
}

// SetExpirer wires the message tombstoner after construction. The Connection
// Manager depends on the pipeline, so it is attached once both exist.
func (p *Pipeline) SetExpirer(e MessageExpirer) { p.expirer = e }

func (p *Pipeline) Config() Config { return p.cfg }

// Prepare validates, transforms and stores f. On any failure nothing is left
// behind in the object store.
func (p *Pipeline) Prepare(ctx context.Context, f File, opts PrepareOptions) (Attachment, error) {
	const op = "attachments.Prepare"

	a, err := p.prepare(ctx, f, opts)
	switch {
	case err == nil:
		p.metrics.AttachmentPrepared("ok", a.Size)
		p.log.Info("attachment.prepared",
			"attachment_id", a.ID,
			"room_id", a.RoomID,
			"mime", a.MIME,
			"declared_size", a.DeclaredSize,
			"size", a.Size,
			"compressed", a.Compressed,
			"encrypted", a.Encrypted(),
		)
	case errors.Is(err, chat.ErrTimeout):
		p.metrics.AttachmentPrepared("timeout", 0)
		p.log.Warn("attachment.prepare.timeout", "room_id", opts.RoomID, "owner_id", opts.OwnerID)
	case errors.Is(err, chat.ErrValidation):
		p.metrics.AttachmentPrepared("rejected", 0)
	default:
		p.metrics.AttachmentPrepared("error", 0)
		p.log.Error("attachment.prepare.fail", "op", op, "room_id", opts.RoomID, "err", err)
	}
	return a, err
}

func (p *Pipeline) prepare(parent context.Context, f File, opts PrepareOptions) (Attachment, error) {
	const op = "attachments.Prepare"

	if strings.TrimSpace(opts.OwnerID) == "" {
		return Attachment{}, chat.OpError{Op: op, Kind: chat.ErrAuthRequired, Msg: "missing owner"}
	}
	if strings.TrimSpace(opts.RoomID) == "" {
		return Attachment{}, chat.Invalid(op, "missing room id")
	}
	if f.Body == nil {
		return Attachment{}, chat.Invalid(op, "missing file body")
	}
	if f.Size > p.cfg.MaxBytes {
		return Attachment{}, chat.OpError{Op: op, Kind: chat.ErrFileTooLarge, Msg: fmt.Sprintf("declared size %d exceeds %d", f.Size, p.cfg.MaxBytes)}
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(p.now()) {
		return Attachment{}, chat.Invalid(op, "expiry must be in the future")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.PrepareTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	data, err := io.ReadAll(io.LimitReader(ctxReader{ctx: ctx, r: f.Body}, p.cfg.MaxBytes+1))
	if err != nil {
		return Attachment{}, p.ctxErr(parent, ctx, op, err)
	}
	if int64(len(data)) > p.cfg.MaxBytes {
		return Attachment{}, chat.OpError{Op: op, Kind: chat.ErrFileTooLarge, Msg: fmt.Sprintf("file exceeds %d bytes", p.cfg.MaxBytes)}
	}
	if len(data) == 0 {
		return Attachment{}, chat.Invalid(op, "empty file")
	}

	mime, isImage := detectImage(data)
	if !isImage {
		mime, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	if !p.cfg.mimeAllowed(mime) {
		return Attachment{}, chat.Invalid(op, "file type "+mime+" is not allowed")
	}

	now := p.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		ID:           id,
		OwnerID:      opts.OwnerID,
		RoomID:       opts.RoomID,
		Name:         cleanName(f.Name),
		MIME:         mime,
		DeclaredSize: f.Size,
		ExpiresAt:    opts.ExpiresAt,
		CreatedAt:    now,
	}

	if opts.Compress && isImage {
		out, err := recompress(data, mime, recompressOptions{
			Budget:  p.cfg.ImageBudget,
			MaxDim:  p.cfg.ImageMaxDim,
			Quality: p.cfg.ImageQuality,
		})
		switch {
		case err != nil:
			return Attachment{}, chat.Invalid(op, "image could not be decoded")
		case len(out) < len(data):
			data, a.MIME, a.Compressed = out, "image/jpeg", true
		}
	}
	if err := ctx.Err(); err != nil {
		return Attachment{}, p.ctxErr(parent, ctx, op, err)
	}

	// Size is the plaintext length the client will download.
	a.Size = int64(len(data))

	if opts.Encrypt || opts.KeyRef != "" {
		if p.keys == nil {
			return Attachment{}, chat.Invalid(op, "encryption is not available")
		}
		a.KeyRef = strings.TrimSpace(opts.KeyRef)
		if a.KeyRef == "" {
			a.KeyRef = p.keys.Current()
		}
		if data, err = p.keys.Seal(a.KeyRef, data, []byte(a.ID)); err != nil {
			return Attachment{}, fmt.Errorf("seal attachment: %w", err)
		}
	}

	if a.ObjectKey, err = SafeJoin(p.cfg.KeyPrefix, a.RoomID+"/"+uuid.NewString()); err != nil {
		return Attachment{}, chat.Invalid(op, "invalid room id")
	}

	contentType := a.MIME
	if a.Encrypted() {
		contentType = "application/octet-stream"
	}
	if err := p.objects.Put(ctx, a.ObjectKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		p.removeObject(a.ObjectKey)
		return Attachment{}, p.ctxErr(parent, ctx, op, fmt.Errorf("put object: %w", err))
	}
	if err := ctx.Err(); err != nil {
		p.removeObject(a.ObjectKey)
		return Attachment{}, p.ctxErr(parent, ctx, op, err)
	}

	if err := p.meta.Create(ctx, a); err != nil {
		p.removeObject(a.ObjectKey)
		return Attachment{}, p.ctxErr(parent, ctx, op, err)
	}
	return a, nil
}

// ctxErr maps an error raised while ctx was live. The pipeline's own deadline
// becomes ErrTimeout; a cancelled parent passes through unchanged.
func (p *Pipeline) ctxErr(parent, ctx context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return chat.OpError{Op: op, Kind: chat.ErrTimeout, Msg: "attachment processing timed out"}
	}
	return err
}

func (p *Pipeline) removeObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.objects.Delete(ctx, key); err != nil {
		p.log.Warn("attachment.cleanup.fail", "object_key", key, "err", err)
	}
}

// Bind links an uploaded attachment to the message that carries it.
func (p *Pipeline) Bind(ctx context.Context, attachmentID, messageID, ownerID, roomID string) (Attachment, error) {
	const op = "attachments.Bind"

	a, err := p.Usable(ctx, attachmentID, ownerID, roomID)
	if a.MessageID != "" && a.MessageID == messageID {
		return a, nil
	}
	if err != nil {
		return Attachment{}, err
	}
	if err := p.meta.Bind(ctx, attachmentID, messageID); err != nil {
		return Attachment{}, err
	}
	a.MessageID = messageID
	p.log.Debug("attachment.bound", "op", op, "attachment_id", a.ID, "message_id", messageID)
	return a, nil
}

// Usable checks that an upload can still be attached to a new message by ownerID in roomID.
func (p *Pipeline) Usable(ctx context.Context, attachmentID, ownerID, roomID string) (Attachment, error) {
	const op = "attachments.Usable"

	a, err := p.meta.Get(ctx, attachmentID)
	if err != nil {
		return Attachment{}, err
	}
	if a.OwnerID != ownerID {
		return Attachment{}, chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "attachment belongs to another user"}
	}
	if a.RoomID != roomID {
		return Attachment{}, chat.Invalid(op, "attachment was uploaded to another room")
	}
	if a.Expired(p.now()) {
		return Attachment{}, gone(op)
	}
	if a.MessageID != "" {
		return a, errAlreadyBound
	}
	return a, nil
}

// Release undoes Bind after the carrying message failed to persist. With
// discard set the attachment is removed entirely.
func (p *Pipeline) Release(ctx context.Context, attachmentID, messageID string, discard bool) error {
	if err := p.meta.Unbind(ctx, attachmentID, messageID); err != nil {
		return err
	}
	if discard {
		return p.Discard(ctx, attachmentID)
	}
	return nil
}

// Discard removes an unbound attachment, e.g. when the send that prepared it failed.
func (p *Pipeline) Discard(ctx context.Context, attachmentID string) error {
	a, err := p.meta.Get(ctx, attachmentID)
	if chat.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.MessageID != "" {
		return chat.Invalid("attachments.Discard", "attachment is bound to a message")
	}
	if err := p.objects.Delete(ctx, a.ObjectKey); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return p.meta.Remove(ctx, a.ID)
}

// Purge deletes the object of an attachment whose message was deleted. The
// row stays as a deleted marker so downloads report Gone.
func (p *Pipeline) Purge(ctx context.Context, attachmentID string, now time.Time) error {
	a, err := p.meta.Get(ctx, attachmentID)
	if chat.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.DeletedAt != nil {
		return nil
	}
	if err := p.objects.Delete(ctx, a.ObjectKey); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return p.meta.MarkDeleted(ctx, a.ID, now)
}

// SetExpiry changes the expiry time. Only the owner may do so; a value in the
// past takes effect on the next sweep. Nil clears the expiry.
func (p *Pipeline) SetExpiry(ctx context.Context, attachmentID, requesterID string, expiresAt *time.Time) (Attachment, error) {
	const op = "attachments.SetExpiry"

	a, err := p.meta.Get(ctx, attachmentID)
	if err != nil {
		return Attachment{}, err
	}
	if a.OwnerID != requesterID {
		return Attachment{}, chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "only the owner may change expiry"}
	}
	if a.DeletedAt != nil {
		return Attachment{}, gone(op)
	}
	if expiresAt != nil {
		t := expiresAt.UTC()
		expiresAt = &t
	}
	if err := p.meta.SetExpiry(ctx, a.ID, expiresAt); err != nil {
		return Attachment{}, err
	}
	a.ExpiresAt = expiresAt
	return a, nil
}

// Stat returns the metadata row, expired or not.
func (p *Pipeline) Stat(ctx context.Context, attachmentID string) (Attachment, error) {
	return p.meta.Get(ctx, attachmentID)
}

// Open returns a reader over the plaintext bytes.
func (p *Pipeline) Open(ctx context.Context, attachmentID string) (io.ReadCloser, Attachment, error) {
	const op = "attachments.Open"

	a, err := p.meta.Get(ctx, attachmentID)
	if err != nil {
		return nil, Attachment{}, err
	}
	if a.Expired(p.now()) {
		return nil, Attachment{}, gone(op)
	}

	rc, err := p.objects.Get(ctx, a.ObjectKey)
	if errors.Is(err, ErrObjectNotFound) {
		// Swept between the metadata read and the fetch.
		return nil, Attachment{}, gone(op)
	}
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("get object: %w", err)
	}
	if !a.Encrypted() {
		return rc, a, nil
	}

	defer rc.Close()
	sealed, err := io.ReadAll(rc)
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("read object: %w", err)
	}
	plain, err := p.keys.Open(a.KeyRef, sealed, []byte(a.ID))
	if err != nil {
		return nil, Attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	return io.NopCloser(bytes.NewReader(plain)), a, nil
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Expired int
	Failed  int
}

// Sweep expires every attachment due at now. Each item tombstones its message
// first, then deletes the object, then marks the row deleted, so a retry after
// a partial failure finishes the job.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	due, err := p.meta.Due(ctx, now, p.cfg.SweepBatch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due attachments: %w", err)
	}

	var res SweepResult
	for _, a := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.expire(ctx, a, now); err != nil {
			res.Failed++
			p.metrics.AttachmentExpired("error")
			p.log.Error("attachment.expire.fail", "attachment_id", a.ID, "message_id", a.MessageID, "err", err)
			continue
		}
		res.Expired++
		p.metrics.AttachmentExpired("ok")
		p.log.Info("attachment.expired", "attachment_id", a.ID, "message_id", a.MessageID)
	}
	return res, nil
}

func (p *Pipeline) expire(ctx context.Context, a Attachment, now time.Time) error {
	if a.MessageID != "" && p.expirer != nil {
		if _, err := p.expirer.Expire(ctx, a.MessageID, now); err != nil && !errors.Is(err, chat.ErrMessageNotFound) {
			return fmt.Errorf("tombstone message: %w", err)
		}
	}
	if err := p.objects.Delete(ctx, a.ObjectKey); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return p.meta.MarkDeleted(ctx, a.ID, now)
}

// RunSweeper runs Sweep on the configured cron schedule until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context) error {
	p.log.Info("attachment.sweeper.start", "cron", p.cfg.SweepCron)
	for {
		next, err := gronx.NextTickAfter(p.cfg.SweepCron, p.now(), false)
		if err != nil {
			return fmt.Errorf("attachments: next sweep tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		res, err := p.Sweep(ctx, p.now())
		if err != nil && ctx.Err() == nil {
			p.log.Error("attachment.sweep.fail", "err", err)
			continue
		}
		if res.Expired > 0 || res.Failed > 0 {
			p.log.Info("attachment.sweep.done", "expired", res.Expired, "failed", res.Failed)
		}
	}
}

const maxNameBytes = 255

// cleanName strips directories and caps the name at maxNameBytes without
// splitting a multi-byte character.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if len(name) > maxNameBytes {
		name = name[:maxNameBytes]
		for len(name) > 0 {
			if r, size := utf8.DecodeLastRuneInString(name); r != utf8.RuneError || size > 1 {
				break
			}
			name = name[:len(name)-1]
		}
	}
	return name
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
