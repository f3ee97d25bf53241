package alert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/pkg/types"
)

type stubSink struct {
	name string
	err  error
	sent []types.Alert
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Send(_ context.Context, a types.Alert) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, a)
	return nil
}

func TestDispatchPersistsThenFansOut(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := &stubSink{name: "a"}
	b := &stubSink{name: "b"}
	d := NewDispatcher(store, []Sink{a, b}, nil)

	d.Dispatch(ctx, types.Alert{
		Kind:      types.AlertSagaFailed,
		SubjectID: "saga-1",
		Message:   "compensation complete",
	})

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.NotEmpty(t, a.sent[0].AlertID, "dispatcher assigns the ID")
	assert.False(t, a.sent[0].Timestamp.IsZero())
	assert.Equal(t, types.AlertLevelError, a.sent[0].Level)

	persisted, err := store.ListAlerts(ctx, "saga-1", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, a.sent[0].AlertID, persisted[0].AlertID)
}

func TestDispatchSurvivesSinkFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broken := &stubSink{name: "broken", err: errors.New("connection refused")}
	working := &stubSink{name: "working"}
	d := NewDispatcher(store, []Sink{broken, working}, nil)

	d.Dispatch(ctx, types.Alert{Kind: types.AlertRetryExhausted, SubjectID: "job-1", Message: "gave up"})

	require.Len(t, working.sent, 1, "later sinks still receive the alert")

	persisted, err := store.ListAlerts(ctx, "job-1", 10)
	require.NoError(t, err)
	assert.Len(t, persisted, 1, "alert is persisted even when a sink fails")
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	for _, msg := range []string{"first", "second"} {
		require.NoError(t, s.Send(ctx, types.Alert{
			AlertID:   msg,
			Kind:      types.AlertIntegrationDown,
			Level:     types.AlertLevelError,
			Message:   msg,
			Timestamp: time.Now().UTC(),
		}))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var lines []types.Alert
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var a types.Alert
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &a))
		lines = append(lines, a)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0].Message)
	assert.Equal(t, "second", lines[1].Message)
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got types.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	err := s.Send(context.Background(), types.Alert{
		AlertID: "a1", Kind: types.AlertWebhookFailing, Message: "failure ratio exceeded",
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AlertID)
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Send(context.Background(), types.Alert{AlertID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFromConfigDefaultsToConsole(t *testing.T) {
	d, err := FromConfig(memory.New(), nil, nil)
	require.NoError(t, err)
	require.Len(t, d.sinks, 1)
	assert.Equal(t, "console", d.sinks[0].Name())
}

func TestFromConfigRejectsUnknownType(t *testing.T) {
	_, err := FromConfig(memory.New(), []types.AlertConfig{{Type: "pager"}}, nil)
	require.Error(t, err)
}
