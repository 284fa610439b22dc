package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

type recordingPublisher struct {
	subject string
	payload []byte
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	r.subject, r.payload = subject, payload
	return r.err
}

func TestNATSNotifier(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATS(pub, "")
	err := n.Notify(context.Background(), Notification{GuildID: "g1", ServerName: "box1", Kind: KindRunning, Endpoint: "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, "serverbot.notify.g1.box1", pub.subject)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	require.Equal(t, KindRunning, got.Kind)
	require.Equal(t, "1.2.3.4", got.Endpoint)

	pub.err = errors.New("nats not connected")
	require.Error(t, n.Notify(context.Background(), Notification{GuildID: "g1", ServerName: "box1"}))
}

func TestWebhookNotifier(t *testing.T) {
	var gotHeader string
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Request-Id")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, srv.Client())
	err := w.Notify(context.Background(), Notification{GuildID: "g1", ServerName: "box1", RequestID: "r-1", Kind: KindStopped})
	require.NoError(t, err)
	require.Equal(t, "r-1", gotHeader)
	require.Equal(t, KindStopped, got.Kind)
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, nil).Notify(context.Background(), Notification{ServerName: "box1"})
	require.ErrorContains(t, err, "502")
}

func TestLogAndMulti(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pub := &recordingPublisher{err: errors.New("down")}
	m := Multi{NewLog(zap.New(core)), NewNATS(pub, "x")}

	err := m.Notify(context.Background(), Notification{GuildID: "g1", ServerName: "box1", Kind: KindFailed, Message: "TaskFailedToStart"})
	require.ErrorContains(t, err, "down")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "box1 failed: TaskFailedToStart", logs.All()[0].Message)
}

func TestText(t *testing.T) {
	n := Notification{ServerName: "mc", Kind: KindRunning, Endpoint: "1.2.3.4", Ports: []models.Port{{Number: 25565, Protocol: "tcp"}}}
	require.Equal(t, "mc is running at 1.2.3.4 25565/tcp", n.Text())
	require.Equal(t, "mc: no such server", Notification{ServerName: "mc", Kind: KindError, Message: "no such server"}.Text())
}
