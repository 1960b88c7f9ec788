package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kefu-chat/chatsync/internal/backend"
	"github.com/kefu-chat/chatsync/internal/logging"
)

var sendLog = logging.ForComponent(logging.CompSend)

// ErrEmptyMessage is returned for blank text sends.
var ErrEmptyMessage = errors.New("session: message is empty")

// Stage names a step of the outbound pipeline.
type Stage string

const (
	StageValidate Stage = "validate"
	StagePick     Stage = "pick"
	StageUpload   Stage = "upload"
	StageParse    Stage = "parse"
	StageSend     Stage = "send"
)

// StageError reports which step of a send failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Draft is the pending outbound text. It is cleared only after a
// successful text send.
type Draft struct {
	mu   sync.Mutex
	text string
}

func (d *Draft) Set(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
}

func (d *Draft) Value() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

func (d *Draft) Clear() {
	d.Set("")
}

// Authorizer is the part of AuthorizationSequencer the dispatcher uses.
type Authorizer interface {
	Request(ctx context.Context) bool
}

// Dispatcher sends user messages. Every failure shows a notice and is
// returned as *StageError; nothing is queued or retried.
type Dispatcher struct {
	session   *Session
	sender    SendAPI
	uploader  UploadAPI
	picker    ImagePicker
	auth      Authorizer
	history   Nudger
	heartbeat Nudger
	notifier  Notifier
	draft     *Draft
}

// DispatcherDeps groups the dispatcher's collaborators. Picker may be nil
// when image sends are unavailable.
type DispatcherDeps struct {
	Sender    SendAPI
	Uploader  UploadAPI
	Picker    ImagePicker
	Auth      Authorizer
	History   Nudger
	Heartbeat Nudger
	Notifier  Notifier
}

// NewDispatcher returns a dispatcher with an empty draft.
func NewDispatcher(s *Session, deps DispatcherDeps) *Dispatcher {
	if deps.Notifier == nil {
		deps.Notifier = discardNotifier{}
	}
	return &Dispatcher{
		session:   s,
		sender:    deps.Sender,
		uploader:  deps.Uploader,
		picker:    deps.Picker,
		auth:      deps.Auth,
		history:   deps.History,
		heartbeat: deps.Heartbeat,
		notifier:  deps.Notifier,
		draft:     &Draft{},
	}
}

// Draft returns the pending text buffer.
func (d *Dispatcher) Draft() *Draft {
	return d.draft
}

// SendText sends the draft as typed. Blank drafts fail validation without
// touching the network. The draft is cleared only on success.
func (d *Dispatcher) SendText(ctx context.Context) error {
	content := d.draft.Value()
	if strings.TrimSpace(content) == "" {
		d.notifier.Notify(NewNotice(NoticeEmptyMessage))
		return &StageError{Stage: StageValidate, Err: ErrEmptyMessage}
	}

	d.requestAuth(ctx)

	id, _ := d.session.Identity()
	err := d.send(ctx, backend.SendRequest{AppID: id.AppID, OpenID: id.OpenID, Content: content})
	if err != nil {
		return err
	}
	d.draft.Clear()
	d.afterSend(ctx)
	sendLog.Info("text_sent", slog.Int("chars", len(content)))
	return nil
}

// SendImage runs pick, upload, parse and send. The first failing stage
// aborts the rest. A canceled pick returns ErrPickCanceled with no notice.
func (d *Dispatcher) SendImage(ctx context.Context, req PickRequest) error {
	d.requestAuth(ctx)

	if d.picker == nil {
		d.notifier.Notify(NewNotice(NoticePickFailed))
		return &StageError{Stage: StagePick, Err: errors.New("no image picker configured")}
	}
	img, err := d.picker.Pick(ctx, req)
	if err != nil {
		if errors.Is(err, ErrPickCanceled) {
			sendLog.Debug("image_pick_canceled")
			return &StageError{Stage: StagePick, Err: err}
		}
		sendLog.Warn("image_pick_failed", slog.String("error", err.Error()))
		d.notifier.Notify(NewNotice(NoticePickFailed))
		return &StageError{Stage: StagePick, Err: err}
	}

	raw, err := d.uploader.Upload(ctx, img.Name, bytes.NewReader(img.Data))
	if err != nil {
		sendLog.Warn("image_upload_failed",
			slog.String("name", img.Name),
			slog.String("error", err.Error()))
		d.notifier.Notify(NewNotice(NoticeUploadFailed))
		return &StageError{Stage: StageUpload, Err: err}
	}

	url, err := backend.ParseUploadResponse(raw)
	if err != nil {
		sendLog.Warn("image_upload_unparsable", slog.String("error", err.Error()))
		d.notifier.Notify(NewNotice(NoticeUploadUnreadable))
		return &StageError{Stage: StageParse, Err: err}
	}

	id, _ := d.session.Identity()
	if err := d.send(ctx, backend.SendRequest{AppID: id.AppID, OpenID: id.OpenID, ImageURL: url}); err != nil {
		return err
	}
	d.afterSend(ctx)
	sendLog.Info("image_sent",
		slog.Int("bytes", len(img.Data)),
		slog.Bool("compressed", img.Compressed))
	return nil
}

func (d *Dispatcher) requestAuth(ctx context.Context) {
	if d.auth != nil {
		d.auth.Request(ctx)
	}
}

// send posts req and maps failures onto notices: a non-200 answer is a
// failed send, anything else a network error.
func (d *Dispatcher) send(ctx context.Context, req backend.SendRequest) error {
	err := d.sender.Send(ctx, req)
	if err == nil {
		return nil
	}
	if backend.IsStatusError(err) {
		sendLog.Warn("send_rejected", slog.String("error", err.Error()))
		d.notifier.Notify(NewNotice(NoticeSendFailed))
	} else {
		sendLog.Warn("send_network_error", slog.String("error", err.Error()))
		d.notifier.Notify(NewNotice(NoticeNetworkError))
	}
	return &StageError{Stage: StageSend, Err: err}
}

// afterSend refreshes history and presence right away instead of waiting
// for the next ticks.
func (d *Dispatcher) afterSend(ctx context.Context) {
	if d.history != nil {
		d.history.Nudge(ctx)
	}
	if d.heartbeat != nil {
		d.heartbeat.Nudge(ctx)
	}
}
