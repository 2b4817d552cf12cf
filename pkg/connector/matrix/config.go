// Copyright 2024-2026 Aiku AI

package matrix

import (
	"errors"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/relaybridge/pkg/retry"
)

// Config holds the settings of one Matrix portal.
type Config struct {
	Homeserver  string    `yaml:"homeserver"`
	UserID      id.UserID `yaml:"user_id"`
	AccessToken string    `yaml:"access_token"`
	// RoomID is the room this portal bridges. The account must already be
	// joined.
	RoomID id.RoomID `yaml:"room_id"`
	// IgnoreUsers lists other bridge bots whose events are never relayed.
	IgnoreUsers []id.UserID `yaml:"ignore_users"`
	// PuppetPrefix skips every sender whose localpart starts with it, for
	// rooms shared with puppeting bridges.
	PuppetPrefix string `yaml:"puppet_prefix"`

	RateLimit float64      `yaml:"rate_limit"`
	RateBurst int          `yaml:"rate_burst"`
	Retry     retry.Config `yaml:"retry"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	if c.Homeserver == "" || c.AccessToken == "" || c.RoomID == "" {
		return errors.New("matrix portal needs homeserver, access_token and room_id")
	}
	c.Homeserver = strings.TrimSuffix(c.Homeserver, "/")
	return nil
}

// ignored reports whether events from sender must not be relayed.
func (c *Config) ignored(sender id.UserID) bool {
	if slices.Contains(c.IgnoreUsers, sender) {
		return true
	}
	return c.PuppetPrefix != "" && strings.HasPrefix(sender.Localpart(), c.PuppetPrefix)
}
