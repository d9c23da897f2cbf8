// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"
)

type ServerConfig struct {
	// ICEAddressUDP specifies the UDP address the RTC service should listen on.
	ICEAddressUDP string `toml:"ice_address_udp"`
	// ICEPortUDP specifies the UDP port the RTC service should listen to.
	ICEPortUDP int `toml:"ice_port_udp"`
	// ICEHostOverride optionally specifies an IP address (or hostname)
	// to be used as the main host ICE candidate.
	ICEHostOverride string `toml:"ice_host_override"`
	// A list of ICE server (STUN/TURN) configurations to use.
	ICEServers ICEServers `toml:"ice_servers"`
	TURNConfig TURNConfig `toml:"turn"`
	// EnableIPv6 specifies whether or not IPv6 should be used.
	EnableIPv6 bool `toml:"enable_ipv6"`
	// UDPSocketsCount controls the number of listening UDP sockets used for
	// the ICE mux.
	UDPSocketsCount int `toml:"udp_sockets_count"`
	// FFmpegPath is the path (or name in $PATH) of the ffmpeg executable used
	// to decode and encode media.
	FFmpegPath string `toml:"ffmpeg_path"`
	// EncoderSetupTimeoutMs bounds how long an encoder waits to be
	// configured before falling back to the planned bitrate.
	EncoderSetupTimeoutMs int `toml:"encoder_setup_timeout_ms"`
}

func (c ServerConfig) IsValid() error {
	if c.ICEAddressUDP != "" && net.ParseIP(c.ICEAddressUDP) == nil {
		return fmt.Errorf("invalid ICEAddressUDP value: not a valid address")
	}

	if c.ICEPortUDP < 80 || c.ICEPortUDP > 49151 {
		return fmt.Errorf("invalid ICEPortUDP value: %d is not in allowed range [80, 49151]", c.ICEPortUDP)
	}

	if err := c.ICEServers.IsValid(); err != nil {
		return fmt.Errorf("invalid ICEServers value: %w", err)
	}

	if err := c.TURNConfig.IsValid(); err != nil {
		return fmt.Errorf("invalid TURNConfig: %w", err)
	}

	if c.UDPSocketsCount <= 0 {
		return fmt.Errorf("invalid UDPSocketsCount value: should be greater than zero")
	}

	if c.FFmpegPath == "" {
		return fmt.Errorf("invalid FFmpegPath value: should not be empty")
	}

	if c.EncoderSetupTimeoutMs <= 0 {
		return fmt.Errorf("invalid EncoderSetupTimeoutMs value: should be greater than zero")
	}

	return nil
}

func (c *ServerConfig) SetDefaults() {
	c.ICEPortUDP = 8443
	c.TURNConfig.CredentialsExpirationMinutes = 1440
	c.UDPSocketsCount = runtime.NumCPU()
	c.FFmpegPath = "ffmpeg"
	c.EncoderSetupTimeoutMs = 2000
}

func (c ServerConfig) encoderSetupTimeout() time.Duration {
	return time.Duration(c.EncoderSetupTimeoutMs) * time.Millisecond
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls" json:"urls"`
	Username   string   `toml:"username,omitempty" json:"username,omitempty"`
	Credential string   `toml:"credential,omitempty" json:"credential,omitempty"`
}

type ICEServers []ICEServerConfig

func (c ICEServerConfig) IsValid() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid empty URLs")
	}
	for _, u := range c.URLs {
		if u == "" {
			return fmt.Errorf("invalid empty URL")
		}
	}
	if !c.IsSTUN() && !c.IsTURN() {
		return fmt.Errorf("URL is not a valid STUN/TURN server")
	}
	return nil
}

func (c ICEServerConfig) IsTURN() bool {
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return false
		}
	}
	return len(c.URLs) > 0
}

func (c ICEServerConfig) IsSTUN() bool {
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return false
		}
	}
	return len(c.URLs) > 0
}

func (s ICEServers) IsValid() error {
	for _, cfg := range s {
		if err := cfg.IsValid(); err != nil {
			return err
		}
	}
	return nil
}

func (s ICEServers) getSTUN() string {
	for _, cfg := range s {
		if cfg.IsSTUN() {
			return cfg.URLs[0]
		}
	}
	return ""
}

// Decode lets envconfig parse ICE servers either from a JSON list of URLs or
// from a full JSON list of server objects.
func (s *ICEServers) Decode(value string) error {
	var urls []string
	if err := json.Unmarshal([]byte(value), &urls); err == nil {
		*s = ICEServers{{URLs: urls}}
		return nil
	}

	return json.Unmarshal([]byte(value), s)
}

func (s *ICEServers) UnmarshalTOML(data interface{}) error {
	d, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("invalid type %T", data)
	}

	iceServers := make(ICEServers, 0, len(d))
	for _, obj := range d {
		var server ICEServerConfig

		switch t := obj.(type) {
		case string:
			server.URLs = append(server.URLs, t)
		case map[string]interface{}:
			urls, _ := t["urls"].([]interface{})
			for _, u := range urls {
				uVal, _ := u.(string)
				server.URLs = append(server.URLs, uVal)
			}
			server.Username, _ = t["username"].(string)
			server.Credential, _ = t["credential"].(string)
		default:
			return fmt.Errorf("unknown type %T", t)
		}

		iceServers = append(iceServers, server)
	}

	*s = iceServers

	return nil
}
