package gateway

import (
	"context"
	"strings"
)

// Setting names understood in the gateway_settings table.
const (
	SettingEndpoint    = "endpoint"
	SettingInstanceID  = "instance_id"
	SettingToken       = "token"
	SettingClientToken = "client_token"
)

// Credentials address one provider account. Not every provider uses every field.
type Credentials struct {
	Endpoint    string
	InstanceID  string
	Token       string
	ClientToken string
}

// CredentialSource is consulted on every send so rotations apply immediately.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials serves a fixed set, typically from config and env.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

type SettingsReader interface {
	GatewaySettings(ctx context.Context) (map[string]string, error)
}

// StoreCredentials reads the settings table and fills gaps from Fallback.
type StoreCredentials struct {
	Store    SettingsReader
	Fallback Credentials
}

func (s StoreCredentials) Credentials(ctx context.Context) (Credentials, error) {
	c := s.Fallback
	if s.Store == nil {
		return c, nil
	}
	m, err := s.Store.GatewaySettings(ctx)
	if err != nil {
		return Credentials{}, err
	}
	override(&c.Endpoint, m[SettingEndpoint])
	override(&c.InstanceID, m[SettingInstanceID])
	override(&c.Token, m[SettingToken])
	override(&c.ClientToken, m[SettingClientToken])
	return c, nil
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// KnownSetting reports whether name is a gateway setting key.
func KnownSetting(name string) bool {
	switch name {
	case SettingEndpoint, SettingInstanceID, SettingToken, SettingClientToken:
		return true
	}
	return false
}
