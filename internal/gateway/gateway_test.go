package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/broadcast"
	logx "groupcast/pkg/logx"
)

type capturedRequest struct {
	Path        string
	ClientToken string
	Body        map[string]any
}

func zapiServer(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen = append(seen, capturedRequest{Path: r.URL.Path, ClientToken: r.Header.Get("Client-Token"), Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestZAPISendTypes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  Message
		path string
		key  string
	}{
		{name: "text", msg: Message{Type: broadcast.MessageText, Content: "hi"}, path: "send-text", key: "message"},
		{name: "image", msg: Message{Type: broadcast.MessageImage, MediaURL: "https://x/a.png", Content: "cap"}, path: "send-image", key: "image"},
		{name: "video", msg: Message{Type: broadcast.MessageVideo, MediaURL: "https://x/a.mp4"}, path: "send-video", key: "video"},
		{name: "audio", msg: Message{Type: broadcast.MessageAudio, MediaURL: "https://x/a.ogg"}, path: "send-audio", key: "audio"},
		{name: "document", msg: Message{Type: broadcast.MessageDocument, MediaURL: "https://x/report.XLSX?sig=1"}, path: "send-document/xlsx", key: "document"},
		{name: "poll", msg: Message{Type: broadcast.MessagePoll, Content: "q", PollOptions: []string{"a", "b"}}, path: "send-poll", key: "poll"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, seen := zapiServer(t, http.StatusOK, `{"zaapId":"z-1","messageId":"m-1"}`)
			creds := StaticCredentials{Endpoint: srv.URL, InstanceID: "inst", Token: "tok", ClientToken: "ct"}
			z := NewZAPI(creds, time.Second, logx.Nop())

			msg := tt.msg
			msg.Destination = "5511999999999"
			res, err := z.Send(context.Background(), msg)
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, "m-1", res.ProviderMessageID)

			require.Len(t, *seen, 1)
			got := (*seen)[0]
			assert.Equal(t, "/instances/inst/token/tok/"+tt.path, got.Path)
			assert.Equal(t, "ct", got.ClientToken)
			assert.Equal(t, "5511999999999", got.Body["phone"])
			assert.Contains(t, got.Body, tt.key)
		})
	}
}

func TestZAPIOrdinaryFailuresAreResults(t *testing.T) {
	t.Parallel()
	srv, _ := zapiServer(t, http.StatusBadRequest, `{"error":"invalid phone"}`)
	z := NewZAPI(StaticCredentials{Endpoint: srv.URL, InstanceID: "i", Token: "t"}, time.Second, logx.Nop())

	res, err := z.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "http 400")

	srv2, _ := zapiServer(t, http.StatusOK, `{"error":"not connected","message":"phone offline"}`)
	z2 := NewZAPI(StaticCredentials{Endpoint: srv2.URL, InstanceID: "i", Token: "t"}, time.Second, logx.Nop())
	res, err = z2.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "not connected phone offline", res.Error)
}

func TestZAPITransportErrorIsResult(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	z := NewZAPI(StaticCredentials{Endpoint: url, InstanceID: "i", Token: "t"}, time.Second, logx.Nop())
	res, err := z.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestZAPIFatalCredentialErrors(t *testing.T) {
	t.Parallel()
	z := NewZAPI(StaticCredentials{}, time.Second, logx.Nop())
	err := z.Ready(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, err.Error(), "instance_id")

	_, err = z.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	require.ErrorIs(t, err, ErrNotConfigured)

	srv, _ := zapiServer(t, http.StatusUnauthorized, `{"error":"bad token"}`)
	z = NewZAPI(StaticCredentials{Endpoint: srv.URL, InstanceID: "i", Token: "t"}, time.Second, logx.Nop())
	_, err = z.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestZAPIThrottleIsFatalWithHint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit"}`))
	}))
	t.Cleanup(srv.Close)

	z := NewZAPI(StaticCredentials{Endpoint: srv.URL, InstanceID: "i", Token: "t"}, time.Second, logx.Nop())
	_, err := z.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "1", Content: "x"})
	var te *ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "zapi", te.Provider)
	assert.Equal(t, 7*time.Second, te.RetryAfter)
	assert.False(t, errors.Is(err, ErrNotConfigured))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter(" 30 ", now))
	assert.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-5", now))
}

type settingsMap map[string]string

func (m settingsMap) GatewaySettings(context.Context) (map[string]string, error) { return m, nil }

type brokenSettings struct{}

func (brokenSettings) GatewaySettings(context.Context) (map[string]string, error) {
	return nil, errors.New("db down")
}

func TestStoreCredentialsOverlayFallback(t *testing.T) {
	t.Parallel()
	src := StoreCredentials{
		Store:    settingsMap{SettingToken: "rotated", SettingInstanceID: " "},
		Fallback: Credentials{Endpoint: "https://e", InstanceID: "inst", Token: "old"},
	}
	c, err := src.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{Endpoint: "https://e", InstanceID: "inst", Token: "rotated"}, c)

	_, err = StoreCredentials{Store: brokenSettings{}}.Credentials(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotConfigured))
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":1,"chat":{"id":-100123,"type":"supergroup"}}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	t.Cleanup(srv.Close)

	tg := NewTelegram(StaticCredentials{Endpoint: srv.URL, Token: "123:abc"}, time.Second, logx.Nop())
	require.NoError(t, tg.Ready(context.Background()))

	res, err := tg.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "-100123", Content: "hello"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "42", res.ProviderMessageID)

	res, err = tg.Send(context.Background(), Message{Type: broadcast.MessageImage, Destination: "@news", MediaURL: "https://x/a.png"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)

	res, err = tg.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "not-a-chat", Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.OK)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 2)
	assert.Equal(t, "/bot123:abc/sendMessage", paths[0])
	assert.Equal(t, "/bot123:abc/sendPhoto", paths[1])
}

func TestTelegramFloodIsThrottle(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 12","parameters":{"retry_after":12}}`))
	}))
	t.Cleanup(srv.Close)

	tg := NewTelegram(StaticCredentials{Endpoint: srv.URL, Token: "123:abc"}, time.Second, logx.Nop())
	_, err := tg.Send(context.Background(), Message{Type: broadcast.MessageText, Destination: "-100123", Content: "hello"})
	var te *ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "telegram", te.Provider)
	assert.Equal(t, 12*time.Second, te.RetryAfter)
}

func TestTelegramNotConfigured(t *testing.T) {
	t.Parallel()
	tg := NewTelegram(StaticCredentials{}, time.Second, logx.Nop())
	require.ErrorIs(t, tg.Ready(context.Background()), ErrNotConfigured)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	a, err := New(Config{}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "zapi", a.Name())

	a, err = New(Config{Provider: "Telegram"}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "telegram", a.Name())

	_, err = New(Config{Provider: "carrier-pigeon"}, nil, logx.Nop())
	require.Error(t, err)
	assert.Equal(t, []string{"telegram", "zapi"}, Providers())
}
