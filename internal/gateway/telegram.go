package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/broadcast"
	logx "groupcast/pkg/logx"
)

// Telegram delivers through the Bot API. The bot never polls; it only sends.
// Credentials.Token is the bot token and Credentials.Endpoint, when set,
// replaces the Bot API URL.
type Telegram struct {
	creds   CredentialSource
	timeout time.Duration
	log     logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot // keyed by endpoint + token
}

func NewTelegram(creds CredentialSource, timeout time.Duration, log logx.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{creds: creds, timeout: timeout, log: log, bots: map[string]*tele.Bot{}}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Ready(ctx context.Context) error {
	_, err := t.bot(ctx)
	return err
}

func (t *Telegram) bot(ctx context.Context) (*tele.Bot, error) {
	c, err := t.creds.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	token := strings.TrimSpace(c.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, SettingToken)
	}
	key := c.Endpoint + "|" + token

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[key]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(c.Endpoint, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: t.timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	// A rotated token replaces the cached bot.
	clear(t.bots)
	t.bots[key] = b
	return b, nil
}

func (t *Telegram) Send(ctx context.Context, msg Message) (Result, error) {
	b, err := t.bot(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return failed(err.Error()), nil
	}
	to, err := recipient(msg.Destination)
	if err != nil {
		return failed(err.Error()), nil
	}
	what, err := sendable(msg)
	if err != nil {
		return failed(err.Error()), nil
	}

	sent, err := b.Send(to, what)
	if err != nil {
		if errors.Is(err, tele.ErrUnauthorized) {
			return Result{}, fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		var flood tele.FloodError
		if errors.As(err, &flood) {
			return Result{}, &ThrottledError{Provider: t.Name(), RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
		}
		return failed(err.Error()), nil
	}
	id := ""
	if sent != nil {
		id = strconv.Itoa(sent.ID)
	}
	t.log.Debug("telegram send ok", logx.String("to", msg.Destination), logx.String("provider_id", id))
	return Result{OK: true, ProviderMessageID: id}, nil
}

// channel addresses a public chat by @username.
type channel string

func (c channel) Recipient() string { return string(c) }

func recipient(dest string) (tele.Recipient, error) {
	dest = strings.TrimSpace(dest)
	if strings.HasPrefix(dest, "@") && len(dest) > 1 {
		return channel(dest), nil
	}
	id, err := strconv.ParseInt(dest, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram destination %q", dest)
	}
	return tele.ChatID(id), nil
}

func sendable(msg Message) (any, error) {
	switch msg.Type {
	case broadcast.MessageText:
		return msg.Content, nil
	case broadcast.MessageImage:
		return &tele.Photo{File: tele.FromURL(msg.MediaURL), Caption: msg.Content}, nil
	case broadcast.MessageVideo:
		return &tele.Video{File: tele.FromURL(msg.MediaURL), Caption: msg.Content}, nil
	case broadcast.MessageAudio:
		return &tele.Audio{File: tele.FromURL(msg.MediaURL), Caption: msg.Content}, nil
	case broadcast.MessageDocument:
		return &tele.Document{File: tele.FromURL(msg.MediaURL), Caption: msg.Content}, nil
	case broadcast.MessagePoll:
		p := &tele.Poll{Type: tele.PollRegular, Question: msg.Content}
		p.AddOptions(msg.PollOptions...)
		return p, nil
	}
	return nil, errors.New("unsupported message type " + string(msg.Type))
}
