package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"StreamChat/internal/backend"
	"StreamChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(streamer backend.Streamer, opts Options) *Controller {
	return NewController(session.NewContext("openai", "test-model"), streamer, opts)
}

func TestSubmit_StreamsDeltasIntoAssistantTurn(t *testing.T) {
	streamer := newFakeStreamer("Hi", " there", "!")
	ctrl := newTestController(streamer, Options{})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "Hello", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi there!", history[1].Content)
	assert.False(t, history[1].Pending)
	assert.Equal(t, StatusIdle, ctrl.Status())
	assert.True(t, streamer.streams[0].isClosed())
}

func TestSubmit_RequestCarriesContextAndPolicy(t *testing.T) {
	streamer := newFakeStreamer("ok")
	ctrl := newTestController(streamer, Options{})

	require.NoError(t, ctrl.Submit(context.Background(), "  Hello  "))

	req := streamer.lastRequest()
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, DefaultTemperature, req.Temperature)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.Equal(t, ctrl.Session().ID, req.Metadata[backend.MetadataSessionID])
	require.Len(t, req.Messages, 1)
	assert.Equal(t, session.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "Hello", req.Messages[0].Content)

	require.NoError(t, ctrl.Submit(context.Background(), "Again"))

	req = streamer.lastRequest()
	require.Len(t, req.Messages, 3)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant, session.RoleUser},
		[]session.Role{req.Messages[0].Role, req.Messages[1].Role, req.Messages[2].Role})
	assert.Equal(t, "ok", req.Messages[1].Content)
	assert.Equal(t, "Again", req.Messages[2].Content)
}

func TestSubmit_CustomPolicy(t *testing.T) {
	streamer := newFakeStreamer("ok")
	ctrl := newTestController(streamer, Options{Temperature: 0.7, MaxTokens: 64})

	require.NoError(t, ctrl.Submit(context.Background(), "q"))

	req := streamer.lastRequest()
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 64, req.MaxTokens)
}

func TestSubmit_BlankQueryIsIgnored(t *testing.T) {
	for _, q := range []string{"", "   ", "\n\t"} {
		streamer := newFakeStreamer("x")
		ctrl := newTestController(streamer, Options{})
		var log eventLog
		ctrl.Subscribe(log.observe)

		err := ctrl.Submit(context.Background(), q)

		require.ErrorIs(t, err, ErrEmptyQuery)
		assert.Empty(t, ctrl.History())
		assert.Equal(t, StatusIdle, ctrl.Status())
		assert.Empty(t, log.kinds())
		assert.Equal(t, 0, streamer.requestCount())
	}
}

func TestSubmit_RejectsWhileBusy(t *testing.T) {
	streamer := newFakeStreamer("Hi")
	streamer.gate = make(chan struct{})
	ctrl := newTestController(streamer, Options{})

	done := make(chan error, 1)
	go func() { done <- ctrl.Submit(context.Background(), "Hello") }()

	<-streamer.opened
	assert.Equal(t, StatusBusy, ctrl.Status())

	err := ctrl.Submit(context.Background(), "Ping")
	require.ErrorIs(t, err, ErrBusy)

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Hello", history[0].Content)
	assert.True(t, history[1].Pending)
	assert.Equal(t, "", history[1].Content)

	require.ErrorIs(t, ctrl.ClearHistory(), ErrBusy)
	assert.Len(t, ctrl.History(), 2)

	close(streamer.gate)
	require.NoError(t, <-done)

	history = ctrl.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Hi", history[1].Content)
	assert.Equal(t, StatusIdle, ctrl.Status())
	assert.Equal(t, 1, streamer.requestCount())
}

func TestSubmit_FailureMidStream(t *testing.T) {
	streamer := newFakeStreamer("Par")
	streamer.err = errors.New("connection reset by peer")
	rec := &fakeRecorder{}
	ctrl := newTestController(streamer, Options{Recorder: rec})
	var log eventLog
	ctrl.Subscribe(log.observe)

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Equal(t, "An error occurred: connection reset by peer", history[1].Content)
	assert.False(t, history[1].Pending)
	assert.Equal(t, StatusIdle, ctrl.Status())
	assert.True(t, streamer.streams[0].isClosed())

	events := log.all()
	final := events[len(events)-2]
	assert.Equal(t, EventTurnFinalized, final.Kind)
	require.Error(t, final.Err)
	assert.Equal(t, history[1].Content, final.Turn.Content)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "An error occurred: connection reset by peer", rec.calls[0][1].Content)
}

func TestSubmit_TruncatedOpenAIStreamBecomesErrorTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hi", " there"} {
			_, _ = fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", d)
		}
	}))
	defer srv.Close()

	ctrl := newTestController(backend.NewOpenAI("test-key", srv.URL+"/v1", srv.Client()), Options{})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Equal(t, "An error occurred: "+io.ErrUnexpectedEOF.Error(), history[1].Content)
	assert.False(t, history[1].Pending)
	assert.Equal(t, StatusIdle, ctrl.Status())
}

func TestSubmit_FailureOpeningStream(t *testing.T) {
	streamer := newFakeStreamer()
	streamer.openErr = errors.New("dial tcp: connection refused")
	ctrl := newTestController(streamer, Options{})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, "An error occurred")
	assert.Contains(t, history[1].Content, "connection refused")
	assert.Equal(t, StatusIdle, ctrl.Status())
}

func TestSubmit_TimeoutStillReturnsToIdle(t *testing.T) {
	streamer := newFakeStreamer("never")
	streamer.gate = make(chan struct{})
	ctrl := newTestController(streamer, Options{RequestTimeout: 20 * time.Millisecond})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	history := ctrl.History()
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, context.DeadlineExceeded.Error())
	assert.Equal(t, StatusIdle, ctrl.Status())
}

func TestSubmit_CallerCancellationReturnsToIdle(t *testing.T) {
	streamer := newFakeStreamer("never")
	streamer.gate = make(chan struct{})
	ctrl := newTestController(streamer, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Submit(ctx, "Hello") }()

	<-streamer.opened
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, StatusIdle, ctrl.Status())
	assert.Contains(t, ctrl.History()[1].Content, context.Canceled.Error())

	// the session is usable again
	streamer.gate = nil
	require.NoError(t, ctrl.Submit(context.Background(), "Again"))
	assert.Len(t, ctrl.History(), 4)
}

func TestSubmit_ConcatenatesInDeliveryOrder(t *testing.T) {
	deltas := []string{"The", " quick", "", " brown", " fox", " jumps", "."}
	streamer := newFakeStreamer(deltas...)
	ctrl := newTestController(streamer, Options{})
	var log eventLog
	ctrl.Subscribe(log.observe)

	require.NoError(t, ctrl.Submit(context.Background(), "q"))

	assert.Equal(t, strings.Join(deltas, ""), ctrl.History()[1].Content)

	var seen []string
	for _, ev := range log.all() {
		if ev.Kind == EventContentUpdated {
			seen = append(seen, ev.Delta)
		}
	}
	assert.Equal(t, []string{"The", " quick", " brown", " fox", " jumps", "."}, seen)
}

func TestSubmit_EventSequence(t *testing.T) {
	streamer := newFakeStreamer("Hi", " there", "!")
	ctrl := newTestController(streamer, Options{})

	var log eventLog
	var statusDuringStream []Status
	ctrl.Subscribe(log.observe)
	ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventContentUpdated {
			statusDuringStream = append(statusDuringStream, ctrl.Status())
		}
	})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	assert.Equal(t, []EventKind{
		EventStatus,
		EventTurnAppended,
		EventTurnAppended,
		EventContentUpdated,
		EventContentUpdated,
		EventContentUpdated,
		EventTurnFinalized,
		EventStatus,
	}, log.kinds())

	events := log.all()
	assert.Equal(t, StatusBusy, events[0].Status)
	assert.Equal(t, StatusIdle, events[len(events)-1].Status)
	assert.Equal(t, 1, events[2].Index)
	assert.True(t, events[2].Turn.Pending)
	assert.Equal(t, "Hi there", events[4].Turn.Content)
	assert.Equal(t, "Hi there!", events[6].Turn.Content)
	assert.False(t, events[6].Turn.Pending)
	assert.NoError(t, events[6].Err)
	assert.Equal(t, []Status{StatusBusy, StatusBusy, StatusBusy}, statusDuringStream)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	ctrl := newTestController(newFakeStreamer("x"), Options{})
	var log eventLog
	unsubscribe := ctrl.Subscribe(log.observe)
	unsubscribe()

	require.NoError(t, ctrl.Submit(context.Background(), "q"))
	assert.Empty(t, log.kinds())
}

func TestClearHistory(t *testing.T) {
	ctrl := newTestController(newFakeStreamer("a"), Options{})
	require.NoError(t, ctrl.Submit(context.Background(), "one"))
	require.NoError(t, ctrl.Submit(context.Background(), "two"))
	require.Len(t, ctrl.History(), 4)

	var log eventLog
	ctrl.Subscribe(log.observe)

	require.NoError(t, ctrl.ClearHistory())
	assert.Empty(t, ctrl.History())

	require.NoError(t, ctrl.ClearHistory())
	assert.Empty(t, ctrl.History())
	assert.Equal(t, []EventKind{EventCleared, EventCleared}, log.kinds())

	sessionID := ctrl.Session().ID
	require.NoError(t, ctrl.Submit(context.Background(), "three"))
	assert.Len(t, ctrl.History(), 2)
	assert.Equal(t, sessionID, ctrl.Session().ID)
}

func TestSubmit_JournalsExchange(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	ctrl := newTestController(newFakeStreamer("Hi"), Options{Recorder: rec})

	require.NoError(t, ctrl.Submit(context.Background(), "Hello"))

	require.Len(t, rec.calls, 1)
	require.Len(t, rec.calls[0], 2)
	assert.Equal(t, session.RoleUser, rec.calls[0][0].Role)
	assert.Equal(t, "Hello", rec.calls[0][0].Content)
	assert.Equal(t, "Hi", rec.calls[0][1].Content)
	assert.False(t, rec.calls[0][1].Pending)
	assert.Equal(t, StatusIdle, ctrl.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "busy", StatusBusy.String())
}
