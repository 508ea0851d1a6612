package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"groupcast/internal/broadcast"
	logx "groupcast/pkg/logx"
)

const defaultZAPIEndpoint = "https://api.z-api.io"

// ZAPI talks to an instance/token addressed HTTP messaging API.
type ZAPI struct {
	creds CredentialSource
	http  *http.Client
	log   logx.Logger
}

func NewZAPI(creds CredentialSource, timeout time.Duration, log logx.Logger) *ZAPI {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ZAPI{creds: creds, http: &http.Client{Timeout: timeout}, log: log}
}

func (z *ZAPI) Name() string { return "zapi" }

func (z *ZAPI) Ready(ctx context.Context) error {
	_, err := z.credentials(ctx)
	return err
}

func (z *ZAPI) credentials(ctx context.Context) (Credentials, error) {
	c, err := z.creds.Credentials(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = defaultZAPIEndpoint
	}
	var missing []string
	if strings.TrimSpace(c.InstanceID) == "" {
		missing = append(missing, SettingInstanceID)
	}
	if strings.TrimSpace(c.Token) == "" {
		missing = append(missing, SettingToken)
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	return c, nil
}

func (z *ZAPI) Send(ctx context.Context, msg Message) (Result, error) {
	c, err := z.credentials(ctx)
	if err != nil {
		return Result{}, err
	}
	op, body, err := zapiRequest(msg)
	if err != nil {
		return failed(err.Error()), nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return failed(err.Error()), nil
	}

	endpoint := strings.TrimRight(c.Endpoint, "/") + "/instances/" + url.PathEscape(c.InstanceID) +
		"/token/" + url.PathEscape(c.Token) + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return failed(err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientToken != "" {
		req.Header.Set("Client-Token", c.ClientToken)
	}

	resp, err := z.http.Do(req)
	if err != nil {
		return failed(err.Error()), nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: provider rejected credentials (http %d)", ErrNotConfigured, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &ThrottledError{Provider: z.Name(), RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return failed(fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(data))), nil
	}

	var out struct {
		MessageID string `json:"messageId"`
		ZaapID    string `json:"zaapId"`
		ID        string `json:"id"`
		Error     string `json:"error"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return failed("decode response: " + err.Error()), nil
	}
	if out.Error != "" {
		return failed(strings.TrimSpace(out.Error + " " + out.Message)), nil
	}
	id := firstNonEmpty(out.MessageID, out.ZaapID, out.ID)
	z.log.Debug("zapi send ok", logx.String("op", op), logx.String("provider_id", id))
	return Result{OK: true, ProviderMessageID: id}, nil
}

func zapiRequest(msg Message) (string, map[string]any, error) {
	body := map[string]any{"phone": msg.Destination}
	switch msg.Type {
	case broadcast.MessageText:
		body["message"] = msg.Content
		return "send-text", body, nil
	case broadcast.MessageImage:
		body["image"] = msg.MediaURL
		body["caption"] = msg.Content
		return "send-image", body, nil
	case broadcast.MessageVideo:
		body["video"] = msg.MediaURL
		body["caption"] = msg.Content
		return "send-video", body, nil
	case broadcast.MessageAudio:
		body["audio"] = msg.MediaURL
		return "send-audio", body, nil
	case broadcast.MessageDocument:
		ext := documentExt(msg.MediaURL)
		body["document"] = msg.MediaURL
		if msg.Content != "" {
			body["caption"] = msg.Content
		}
		return "send-document/" + ext, body, nil
	case broadcast.MessagePoll:
		opts := make([]map[string]string, 0, len(msg.PollOptions))
		for _, o := range msg.PollOptions {
			opts = append(opts, map[string]string{"name": o})
		}
		body["message"] = msg.Content
		body["poll"] = opts
		body["pollMaxOptions"] = 1
		return "send-poll", body, nil
	}
	return "", nil, errors.New("unsupported message type " + string(msg.Type))
}

func documentExt(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return "pdf"
	}
	return ext
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
