// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"errors"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/aiku/relaybridge/pkg/retry"
)

// Config holds the settings of one Mattermost portal.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// ChannelID is the channel this portal bridges.
	ChannelID           string `yaml:"channel_id"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed. Leave empty to disable prefix-based
	// filtering.
	BotPrefix string `yaml:"bot_prefix"`
	// IgnoreUsers lists usernames of other bridge bots to never relay.
	IgnoreUsers []string `yaml:"ignore_users"`
	// UsernameOverride posts relayed messages under the original author's
	// name and avatar. The server must allow integrations to override
	// usernames; otherwise the name is prefixed to the message.
	UsernameOverride bool `yaml:"username_override"`
	// RateLimit is the maximum number of API requests per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Retry retry.Config `yaml:"retry"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	if c.ServerURL == "" || c.Token == "" || c.ChannelID == "" {
		return errors.New("mattermost portal needs server_url, token and channel_id")
	}
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil || strings.TrimSpace(sb.String()) == "" {
		return params.Username
	}
	return sb.String()
}
