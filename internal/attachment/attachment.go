// Package attachment stores message attachments and gates downloads on an
// asynchronous virus scan. New uploads are pending; only clean attachments
// can be downloaded.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/switchboard/internal/chaterr"
	"github.com/zulandar/switchboard/internal/conversation"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

const (
	DefaultMaxSize     = 10 << 20
	DefaultWorkers     = 2
	DefaultQueueSize   = 128
	DefaultScanTimeout = 2 * time.Minute
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

// Pipeline accepts uploads and scans them on a worker pool.
type Pipeline struct {
	db        *gorm.DB
	blobs     BlobStore
	scanner   Scanner
	publisher fanout.Publisher
	maxSize   int64
	workers   int
	timeout   time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	queue chan string

	mu     sync.Mutex
	queued map[string]bool

	// refs serializes blob writes and deletes per content ref, so a
	// cleanup never removes a blob an upload is about to commit.
	refMu sync.Mutex
	refs  map[string]*refLock

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	DB          *gorm.DB
	Blobs       BlobStore
	Scanner     Scanner
	Publisher   fanout.Publisher // optional
	MaxSize     int64
	Workers     int
	QueueSize   int
	ScanTimeout time.Duration
	Log         logrus.FieldLogger
	Now         func() time.Time
}

// New creates a Pipeline. Call Start to begin scanning.
func New(opts Opts) (*Pipeline, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("attachment: db is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("attachment: blob store is required")
	}
	if opts.Scanner == nil {
		return nil, fmt.Errorf("attachment: scanner is required")
	}
	p := &Pipeline{
		db:        opts.DB,
		blobs:     opts.Blobs,
		scanner:   opts.Scanner,
		publisher: opts.Publisher,
		maxSize:   opts.MaxSize,
		workers:   opts.Workers,
		timeout:   opts.ScanTimeout,
		log:       opts.Log,
		now:       opts.Now,
		queued:    make(map[string]bool),
		refs:      make(map[string]*refLock),
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxSize
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.timeout <= 0 {
		p.timeout = DefaultScanTimeout
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	p.queue = make(chan string, size)
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Start launches the scan workers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.running {
		return fmt.Errorf("attachment: pipeline already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.log.WithField("workers", p.workers).Info("attachment: scan workers started")
	return nil
}

// Stop halts the workers and waits for in-flight scans. Queued jobs are
// dropped; their attachments stay pending until RequeuePending.
func (p *Pipeline) Stop() {
	p.lifeMu.Lock()
	if !p.running {
		p.lifeMu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.lifeMu.Unlock()
	p.wg.Wait()
}

// UploadInput describes a new attachment.
type UploadInput struct {
	MessageID   string
	Uploader    string
	Filename    string
	ContentType string
	Data        []byte
}

// Upload stores an attachment for a message the uploader sent and queues
// it for scanning. It returns before the scan runs.
func (p *Pipeline) Upload(ctx context.Context, in UploadInput) (*models.MessageAttachment, error) {
	name := filepath.Base(strings.TrimSpace(in.Filename))
	if name == "" || name == "." || name == "/" {
		return nil, chaterr.Validation("attachment: filename is required")
	}
	if len(in.Data) == 0 {
		return nil, chaterr.Validation("attachment: file is empty")
	}
	if int64(len(in.Data)) > p.maxSize {
		return nil, chaterr.Validation("attachment: file is %d bytes, max %d", len(in.Data), p.maxSize)
	}

	unlock := p.lockRef(Ref(in.Data))
	defer unlock()
	ref, created, err := p.blobs.Put(in.Data)
	if err != nil {
		return nil, chaterr.Internal(err, "attachment: store %s", name)
	}

	var (
		msg models.Message
		att models.MessageAttachment
	)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", in.MessageID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chaterr.NotFound("message %s not found", in.MessageID)
		}
		if err != nil {
			return chaterr.Internal(err, "attachment: load message %s", in.MessageID)
		}
		if msg.SenderID != in.Uploader {
			return chaterr.PermissionDenied("attachment: only the sender can attach files to message %s", msg.ID)
		}
		if msg.IsDeleted {
			return chaterr.Validation("attachment: message %s is deleted", msg.ID)
		}
		att = models.MessageAttachment{
			ID:          uuid.NewString(),
			MessageID:   msg.ID,
			BlobRef:     ref,
			Filename:    name,
			Size:        int64(len(in.Data)),
			ContentType: in.ContentType,
			IsImage:     imageExts[strings.ToLower(filepath.Ext(name))],
			ScanState:   models.ScanPending,
			UploadedAt:  p.now(),
		}
		if err := tx.Create(&att).Error; err != nil {
			return chaterr.Internal(err, "attachment: create")
		}
		return nil
	})
	if err != nil {
		if created {
			p.deleteIfUnreferencedLocked(ref)
		}
		return nil, err
	}
	unlock()

	p.log.WithFields(logrus.Fields{
		"attachment_id": att.ID,
		"message_id":    msg.ID,
		"size":          att.Size,
	}).Info("attachment: uploaded, scan pending")
	p.publish(ctx, &msg, msg.SenderID, &att)
	p.enqueue(att.ID)
	return &att, nil
}

// Download returns an attachment and its content. The requester must be a
// participant who can see the message, and the attachment must be clean;
// any other scan state is FORBIDDEN.
func (p *Pipeline) Download(ctx context.Context, id, requester string) (*models.MessageAttachment, io.ReadCloser, error) {
	tx := p.db.WithContext(ctx)
	var att models.MessageAttachment
	err := tx.Where("id = ?", id).First(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, chaterr.NotFound("attachment %s not found", id)
	}
	if err != nil {
		return nil, nil, chaterr.Internal(err, "attachment: load %s", id)
	}
	var msg models.Message
	if err := tx.Where("id = ?", att.MessageID).First(&msg).Error; err != nil {
		return nil, nil, chaterr.NotFound("attachment %s not found", id)
	}
	if err := conversation.RequireParticipant(tx, msg.ConversationID, requester); err != nil {
		return nil, nil, chaterr.NotFound("attachment %s not found", id)
	}
	if msg.IsHidden && msg.SenderID != requester {
		return nil, nil, chaterr.NotFound("attachment %s not found", id)
	}
	if att.ScanState != models.ScanClean {
		return nil, nil, chaterr.Forbidden("attachment %s is %s", id, att.ScanState)
	}
	rc, err := p.blobs.Open(att.BlobRef)
	if err != nil {
		return nil, nil, chaterr.Internal(err, "attachment: open %s", id)
	}
	return &att, rc, nil
}

// RemoveForMessage deletes a message's attachment rows within tx. The
// returned cleanup removes blobs no longer referenced and must run after
// the transaction commits.
func (p *Pipeline) RemoveForMessage(ctx context.Context, tx *gorm.DB, messageID string) (func(), error) {
	var refs []string
	if err := tx.Model(&models.MessageAttachment{}).
		Where("message_id = ?", messageID).
		Pluck("blob_ref", &refs).Error; err != nil {
		return nil, fmt.Errorf("attachment: list for %s: %w", messageID, err)
	}
	if len(refs) == 0 {
		return func() {}, nil
	}
	if err := tx.Where("message_id = ?", messageID).Delete(&models.MessageAttachment{}).Error; err != nil {
		return nil, fmt.Errorf("attachment: delete for %s: %w", messageID, err)
	}
	return func() {
		for _, ref := range refs {
			p.deleteIfUnreferenced(ref)
		}
		p.log.WithFields(logrus.Fields{"message_id": messageID, "attachments": len(refs)}).Info("attachment: removed with message")
	}, nil
}

// SafeToRender reports whether every attachment of a message is clean. A
// message without attachments is safe. Lookup errors count as unsafe.
func (p *Pipeline) SafeToRender(ctx context.Context, messageID string) bool {
	var n int64
	if err := p.db.WithContext(ctx).Model(&models.MessageAttachment{}).
		Where("message_id = ? AND scan_state <> ?", messageID, models.ScanClean).
		Count(&n).Error; err != nil {
		p.log.WithError(err).WithField("message_id", messageID).Warn("attachment: safety check failed")
		return false
	}
	return n == 0
}

// RequeuePending queues pending attachments uploaded more than one scan
// timeout ago, picking up jobs lost to restarts, full queues or scanner
// errors. Returns the number queued.
func (p *Pipeline) RequeuePending(ctx context.Context) (int, error) {
	var ids []string
	if err := p.db.WithContext(ctx).Model(&models.MessageAttachment{}).
		Where("scan_state = ? AND uploaded_at < ?", models.ScanPending, p.now().Add(-p.timeout)).
		Order("uploaded_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("attachment: list pending: %w", err)
	}
	n := 0
	for _, id := range ids {
		if p.enqueue(id) {
			n++
		}
	}
	if n > 0 {
		p.log.WithField("count", n).Info("attachment: requeued pending scans")
	}
	return n, nil
}

// enqueue adds a scan job unless it is already queued or the queue is
// full. Reports whether the job was added.
func (p *Pipeline) enqueue(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[id] {
		return false
	}
	select {
	case p.queue <- id:
		p.queued[id] = true
		return true
	default:
		p.log.WithField("attachment_id", id).Warn("attachment: scan queue full, left pending")
		return false
	}
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.mu.Lock()
			delete(p.queued, id)
			p.mu.Unlock()
			p.scan(ctx, id)
		}
	}
}

// scan runs the scanner on one pending attachment and records its verdict.
// Errors leave the attachment pending.
func (p *Pipeline) scan(ctx context.Context, id string) {
	log := p.log.WithField("attachment_id", id)
	var att models.MessageAttachment
	if err := p.db.WithContext(ctx).Where("id = ?", id).First(&att).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.WithError(err).Warn("attachment: load for scan failed")
		}
		return
	}
	if att.ScanState != models.ScanPending {
		return
	}
	path, err := p.blobs.Path(att.BlobRef)
	if err != nil {
		log.WithError(err).Warn("attachment: scan skipped")
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	state, err := p.scanner.Scan(sctx, path)
	cancel()
	if err != nil {
		log.WithError(err).Warn("attachment: scan failed, left pending")
		return
	}
	switch state {
	case models.ScanClean, models.ScanSuspicious, models.ScanInfected:
	default:
		log.WithField("state", state).Warn("attachment: scanner returned unknown state, left pending")
		return
	}

	now := p.now()
	result := p.db.WithContext(ctx).Model(&models.MessageAttachment{}).
		Where("id = ? AND scan_state = ?", id, models.ScanPending).
		Updates(map[string]interface{}{"scan_state": state, "scanned_at": now})
	if result.Error != nil {
		log.WithError(result.Error).Warn("attachment: record scan result failed")
		return
	}
	if result.RowsAffected == 0 {
		return
	}
	att.ScanState, att.ScannedAt = state, &now

	entry := log.WithFields(logrus.Fields{"message_id": att.MessageID, "state": state})
	if state == models.ScanClean {
		entry.Info("attachment: scanned")
	} else {
		entry.Warn("attachment: scan flagged content")
	}

	var msg models.Message
	if err := p.db.WithContext(ctx).Where("id = ?", att.MessageID).First(&msg).Error; err != nil {
		log.WithError(err).Warn("attachment: scan fanout skipped")
		return
	}
	p.publish(ctx, &msg, "", &att)
}

// publish announces an attachment state to the conversation's participants.
func (p *Pipeline) publish(ctx context.Context, msg *models.Message, except string, att *models.MessageAttachment) {
	// Hidden messages are never announced.
	if p.publisher == nil || msg.IsHidden {
		return
	}
	participants, err := conversation.ParticipantIDs(p.db.WithContext(ctx), msg.ConversationID)
	if err != nil {
		p.log.WithError(err).WithField("attachment_id", att.ID).Warn("attachment: fanout skipped")
		return
	}
	p.publisher.Publish(ctx, participants, except, fanout.Event{
		Type:           fanout.EventNewAttachment,
		ConversationID: msg.ConversationID,
		Payload:        Payload(att),
	})
}

// Payload renders the event payload for an attachment.
func Payload(att *models.MessageAttachment) map[string]any {
	return map[string]any{
		"id":           att.ID,
		"message_id":   att.MessageID,
		"filename":     att.Filename,
		"size":         att.Size,
		"content_type": att.ContentType,
		"is_image":     att.IsImage,
		"scan_state":   string(att.ScanState),
	}
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// lockRef locks one blob ref. The returned func is safe to call twice.
func (p *Pipeline) lockRef(ref string) func() {
	p.refMu.Lock()
	l, ok := p.refs[ref]
	if !ok {
		l = &refLock{}
		p.refs[ref] = l
	}
	l.refs++
	p.refMu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			p.refMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(p.refs, ref)
			}
			p.refMu.Unlock()
		})
	}
}

func (p *Pipeline) deleteIfUnreferenced(ref string) {
	unlock := p.lockRef(ref)
	defer unlock()
	p.deleteIfUnreferencedLocked(ref)
}

func (p *Pipeline) deleteIfUnreferencedLocked(ref string) {
	var n int64
	if err := p.db.Model(&models.MessageAttachment{}).Where("blob_ref = ?", ref).Count(&n).Error; err != nil {
		p.log.WithError(err).WithField("blob_ref", ref).Warn("attachment: blob reference check failed, keeping blob")
		return
	}
	if n > 0 {
		return
	}
	if err := p.blobs.Delete(ref); err != nil {
		p.log.WithError(err).WithField("blob_ref", ref).Warn("attachment: blob delete failed")
	}
}
