package session

import (
	"context"
	"errors"
	"io"

	"github.com/kefu-chat/chatsync/internal/backend"
)

// Backend calls, split so each component depends on what it uses.
type (
	LoginAPI interface {
		Login(ctx context.Context, req backend.LoginRequest) (*backend.LoginResponse, error)
	}
	HeartbeatAPI interface {
		Heartbeat(ctx context.Context, req backend.HeartbeatRequest) error
	}
	HistoryAPI interface {
		History(ctx context.Context, openID, appID string) ([]backend.Message, error)
	}
	SendAPI interface {
		Send(ctx context.Context, req backend.SendRequest) error
	}
	UploadAPI interface {
		Upload(ctx context.Context, filename string, r io.Reader) ([]byte, error)
	}
	SubscribeAPI interface {
		Subscribe(ctx context.Context, req backend.SubscribeRequest) error
	}
)

// Backend is everything the engine needs. *backend.Client satisfies it.
type Backend interface {
	LoginAPI
	HeartbeatAPI
	HistoryAPI
	SendAPI
	UploadAPI
	SubscribeAPI
}

// CredentialIssuer hands out one-time login codes.
type CredentialIssuer interface {
	LoginCode(ctx context.Context) (string, error)
}

// Consent decisions a dialog may report per template id.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
	DecisionBan    = "ban"
)

// ConsentResult is the outcome of one consent dialog. Err set means the
// dialog itself failed before the user decided anything.
type ConsentResult struct {
	Decisions map[string]string
	Err       error
}

// ConsentDialog shows the modal consent prompt. Prompt must display the
// dialog before returning and deliver exactly one result on the channel.
// A channel closed without a result counts as a dialog failure.
type ConsentDialog interface {
	Prompt(ctx context.Context, templateIDs []string) <-chan ConsentResult
}

// ImageSource selects where the picker looks.
type ImageSource string

const (
	SourceAlbum  ImageSource = "album"
	SourceCamera ImageSource = "camera"
)

// PickRequest describes one single-image pick. An empty Sources allows both.
type PickRequest struct {
	Sources []ImageSource
	// Query narrows an album pick, e.g. a file name fragment
	Query string
}

// PickedImage is the selected asset. Compressed is true when the picker
// chose the size-reduced encoding.
type PickedImage struct {
	Name       string
	Data       []byte
	Compressed bool
}

// ErrPickCanceled is returned by pickers when the user backs out. The
// dispatcher aborts silently on it.
var ErrPickCanceled = errors.New("session: image pick canceled")

// ImagePicker acquires one image.
type ImagePicker interface {
	Pick(ctx context.Context, req PickRequest) (PickedImage, error)
}

// NoticeKind classifies transient user-facing notices.
type NoticeKind string

const (
	NoticeEmptyMessage     NoticeKind = "empty_message"
	NoticeSendFailed       NoticeKind = "send_failed"
	NoticeNetworkError     NoticeKind = "network_error"
	NoticePickFailed       NoticeKind = "pick_failed"
	NoticeUploadFailed     NoticeKind = "upload_failed"
	NoticeUploadUnreadable NoticeKind = "upload_unreadable"
	NoticeConsentFailed    NoticeKind = "consent_failed"
	NoticeConsentRejected  NoticeKind = "consent_rejected"
	NoticeConsentBanned    NoticeKind = "consent_banned"
	NoticeSubscribed       NoticeKind = "subscribed"
)

var noticeText = map[NoticeKind]string{
	NoticeEmptyMessage:     "Please enter a message",
	NoticeSendFailed:       "Send failed",
	NoticeNetworkError:     "Network error",
	NoticePickFailed:       "Could not pick image",
	NoticeUploadFailed:     "Upload failed",
	NoticeUploadUnreadable: "Upload response unreadable",
	NoticeConsentFailed:    "Could not request notification permission",
	NoticeConsentRejected:  "Notifications declined",
	NoticeConsentBanned:    "Notifications are blocked for this app",
	NoticeSubscribed:       "Subscribed to reply notifications",
}

// Notice is a transient, toast-like message.
type Notice struct {
	Kind NoticeKind
	Text string
}

// NewNotice returns a notice with the standard text for kind.
func NewNotice(kind NoticeKind) Notice {
	return Notice{Kind: kind, Text: noticeText[kind]}
}

// Notifier shows notices. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}

// Nudger triggers one out-of-cycle run of a periodic task.
type Nudger interface {
	Nudge(ctx context.Context)
}
