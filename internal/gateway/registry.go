package gateway

import (
	"fmt"
	"sort"
	"strings"
	"time"

	logx "groupcast/pkg/logx"
)

type Config struct {
	Provider string
	Timeout  time.Duration
}

type factory func(creds CredentialSource, timeout time.Duration, log logx.Logger) Adapter

var providers = map[string]factory{
	"zapi": func(c CredentialSource, t time.Duration, l logx.Logger) Adapter { return NewZAPI(c, t, l) },
	"telegram": func(c CredentialSource, t time.Duration, l logx.Logger) Adapter {
		return NewTelegram(c, t, l)
	},
}

// Providers lists the registered provider names.
func Providers() []string {
	out := make([]string, 0, len(providers))
	for name := range providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the adapter named by cfg.Provider. An empty name selects zapi.
func New(cfg Config, creds CredentialSource, log logx.Logger) (Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "zapi"
	}
	f, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown gateway provider %q (have %s)", name, strings.Join(Providers(), ", "))
	}
	if creds == nil {
		creds = StaticCredentials{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return f(creds, cfg.Timeout, log.With(logx.String("gateway", name))), nil
}
