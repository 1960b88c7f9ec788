package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kefu-chat/chatsync/internal/backend"
)

type dispatcherFixture struct {
	d         *Dispatcher
	session   *Session
	api       *fakeBackend
	dialog    *fakeDialog
	auth      *AuthorizationSequencer
	notes     *recordingNotifier
	history   *countingNudger
	heartbeat *countingNudger
}

func newDispatcherFixture(t *testing.T, templateID string, picker ImagePicker) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		session:   identified(t, templateID),
		api:       newFakeBackend(),
		dialog:    &fakeDialog{},
		notes:     &recordingNotifier{},
		history:   &countingNudger{},
		heartbeat: &countingNudger{},
	}
	f.dialog.onOpen = func() { f.api.record("dialog") }
	f.auth = NewAuthorizationSequencer(f.session, f.dialog, f.api, f.notes)
	f.d = NewDispatcher(f.session, DispatcherDeps{
		Sender:    f.api,
		Uploader:  f.api,
		Picker:    picker,
		Auth:      f.auth,
		History:   f.history,
		Heartbeat: f.heartbeat,
		Notifier:  f.notes,
	})
	return f
}

func stageOf(t *testing.T, err error) Stage {
	t.Helper()
	var se *StageError
	require.ErrorAs(t, err, &se)
	return se.Stage
}

func TestSendTextEmptyIsIdempotent(t *testing.T) {
	for _, draft := range []string{"", "   ", "\n\t "} {
		f := newDispatcherFixture(t, "t1", nil)
		f.d.Draft().Set(draft)

		for i := 0; i < 2; i++ {
			err := f.d.SendText(context.Background())
			assert.ErrorIs(t, err, ErrEmptyMessage)
			assert.Equal(t, StageValidate, stageOf(t, err))
		}

		assert.Empty(t, f.api.Events(), "no network and no dialog")
		assert.Equal(t, []NoticeKind{NoticeEmptyMessage, NoticeEmptyMessage}, f.notes.Kinds())
		assert.Equal(t, AuthNotRequested, f.session.AuthState())
		assert.Equal(t, draft, f.d.Draft().Value())
	}
}

func TestSendTextSuccess(t *testing.T) {
	f := newDispatcherFixture(t, "", nil)
	f.d.Draft().Set("  hello  ")

	require.NoError(t, f.d.SendText(context.Background()))

	assert.Equal(t, backend.SendRequest{AppID: "app-1", OpenID: "open-1", Content: "  hello  "}, f.api.LastSend(), "sent as typed")
	assert.Equal(t, "", f.d.Draft().Value())
	assert.Equal(t, int32(1), f.history.n.Load())
	assert.Equal(t, int32(1), f.heartbeat.n.Load())
	assert.Empty(t, f.notes.Kinds())
}

func TestSendTextOpensConsentBeforeSending(t *testing.T) {
	f := newDispatcherFixture(t, "t1", nil)
	f.d.Draft().Set("hi")

	require.NoError(t, f.d.SendText(context.Background()))
	assert.Equal(t, []string{"dialog", "send"}, f.api.Events())
	assert.Equal(t, AuthRequested, f.session.AuthState(), "send does not wait for the decision")

	f.d.Draft().Set("again")
	require.NoError(t, f.d.SendText(context.Background()))
	assert.Equal(t, 1, f.dialog.Opened())

	f.dialog.Resolve(decide("t1", DecisionAccept))
	f.auth.Wait()
	assert.Equal(t, AuthAccepted, f.session.AuthState())
	assert.Equal(t, int32(1), f.api.subscribes.Load())
}

func TestSendTextFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		notice NoticeKind
	}{
		{"non-200", &backend.APIError{StatusCode: 500, Message: "boom"}, NoticeSendFailed},
		{"transport", errNetwork, NoticeNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, "", nil)
			f.api.sendFn = func(backend.SendRequest) error { return tt.err }
			f.d.Draft().Set("keep me")

			err := f.d.SendText(context.Background())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, StageSend, stageOf(t, err))
			assert.Equal(t, []NoticeKind{tt.notice}, f.notes.Kinds())
			assert.Equal(t, "keep me", f.d.Draft().Value(), "draft kept for a manual retry")
			assert.Zero(t, f.history.n.Load())
			assert.Zero(t, f.heartbeat.n.Load())
			assert.Equal(t, int32(1), f.api.sends.Load(), "no automatic retry")
		})
	}
}

func TestSendImageSuccess(t *testing.T) {
	picker := fakePicker{img: PickedImage{Name: "cat.jpg", Data: []byte("jpeg"), Compressed: true}}
	f := newDispatcherFixture(t, "t1", picker)
	var uploaded []byte
	f.api.uploadFn = func(name string, data []byte) ([]byte, error) {
		assert.Equal(t, "cat.jpg", name)
		uploaded = data
		return []byte(`{"url":"https://cdn/cat.jpg"}`), nil
	}

	require.NoError(t, f.d.SendImage(context.Background(), PickRequest{}))

	assert.Equal(t, []string{"dialog", "upload", "send"}, f.api.Events())
	assert.Equal(t, []byte("jpeg"), uploaded)
	assert.Equal(t, backend.SendRequest{AppID: "app-1", OpenID: "open-1", ImageURL: "https://cdn/cat.jpg"}, f.api.LastSend())
	assert.Equal(t, int32(1), f.history.n.Load())
	assert.Equal(t, int32(1), f.heartbeat.n.Load())
}

func TestSendImageStageFailures(t *testing.T) {
	okPicker := fakePicker{img: PickedImage{Name: "a.png", Data: []byte("png")}}
	tests := []struct {
		name    string
		picker  ImagePicker
		upload  func(string, []byte) ([]byte, error)
		send    func(backend.SendRequest) error
		stage   Stage
		notices []NoticeKind
		events  []string
	}{
		{
			name:    "pick error",
			picker:  fakePicker{err: errors.New("camera busy")},
			stage:   StagePick,
			notices: []NoticeKind{NoticePickFailed},
			events:  []string{},
		},
		{
			name:    "no picker",
			stage:   StagePick,
			notices: []NoticeKind{NoticePickFailed},
			events:  []string{},
		},
		{
			name:    "pick canceled",
			picker:  fakePicker{err: ErrPickCanceled},
			stage:   StagePick,
			notices: []NoticeKind{},
			events:  []string{},
		},
		{
			name:    "upload transport",
			picker:  okPicker,
			upload:  func(string, []byte) ([]byte, error) { return nil, errNetwork },
			stage:   StageUpload,
			notices: []NoticeKind{NoticeUploadFailed},
			events:  []string{"upload"},
		},
		{
			name:    "upload non-200",
			picker:  okPicker,
			upload:  func(string, []byte) ([]byte, error) { return nil, &backend.APIError{StatusCode: 413} },
			stage:   StageUpload,
			notices: []NoticeKind{NoticeUploadFailed},
			events:  []string{"upload"},
		},
		{
			name:    "unparsable response",
			picker:  okPicker,
			upload:  func(string, []byte) ([]byte, error) { return []byte("<html>"), nil },
			stage:   StageParse,
			notices: []NoticeKind{NoticeUploadUnreadable},
			events:  []string{"upload"},
		},
		{
			name:    "response without url",
			picker:  okPicker,
			upload:  func(string, []byte) ([]byte, error) { return []byte(`{"url":""}`), nil },
			stage:   StageParse,
			notices: []NoticeKind{NoticeUploadUnreadable},
			events:  []string{"upload"},
		},
		{
			name:    "send rejected",
			picker:  okPicker,
			send:    func(backend.SendRequest) error { return &backend.APIError{StatusCode: 400} },
			stage:   StageSend,
			notices: []NoticeKind{NoticeSendFailed},
			events:  []string{"upload", "send"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, "", tt.picker)
			if tt.upload != nil {
				f.api.uploadFn = tt.upload
			}
			if tt.send != nil {
				f.api.sendFn = tt.send
			}

			err := f.d.SendImage(context.Background(), PickRequest{})
			require.Error(t, err)
			assert.Equal(t, tt.stage, stageOf(t, err))
			assert.Equal(t, tt.notices, f.notes.Kinds())
			assert.Equal(t, tt.events, nonNil(f.api.Events()))
			assert.Zero(t, f.history.n.Load(), "no follow-up after a failed stage")
			assert.Zero(t, f.heartbeat.n.Load())
		})
	}
}

func TestSendImageCancelIsSilent(t *testing.T) {
	f := newDispatcherFixture(t, "", fakePicker{err: ErrPickCanceled})
	err := f.d.SendImage(context.Background(), PickRequest{Sources: []ImageSource{SourceAlbum}})
	assert.ErrorIs(t, err, ErrPickCanceled)
	assert.Empty(t, f.notes.Kinds())
}

func TestSendWhileUnidentifiedStillAttempts(t *testing.T) {
	api := newFakeBackend()
	api.sendFn = func(req backend.SendRequest) error {
		if req.OpenID == "" {
			return &backend.APIError{StatusCode: 404}
		}
		return nil
	}
	notes := &recordingNotifier{}
	d := NewDispatcher(NewSession("app-1"), DispatcherDeps{Sender: api, Uploader: api, Notifier: notes})
	d.Draft().Set("hi")

	err := d.SendText(context.Background())
	assert.True(t, backend.IsStatusError(err))
	assert.Equal(t, []NoticeKind{NoticeSendFailed}, notes.Kinds())
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{Stage: StageUpload, Err: errNetwork}
	assert.Equal(t, "upload: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, errNetwork)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
