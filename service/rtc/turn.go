// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const MaxTURNCredentialsExpiration = 7 * 24 * 60 // 1 week in minutes

type TURNConfig struct {
	// The secret key used to generate TURN short-lived authentication
	// credentials.
	StaticAuthSecret string `toml:"static_auth_secret"`
	// The number of minutes that the generated TURN credentials will be valid for.
	CredentialsExpirationMinutes int `toml:"credentials_expiration_minutes"`
}

func (c TURNConfig) IsValid() error {
	if c.StaticAuthSecret != "" {
		if c.CredentialsExpirationMinutes <= 0 {
			return fmt.Errorf("invalid CredentialsExpirationMinutes value: should be a positive number")
		}
		if c.CredentialsExpirationMinutes >= MaxTURNCredentialsExpiration {
			return fmt.Errorf("invalid CredentialsExpirationMinutes value: should be less than 1 week")
		}
	}

	return nil
}

func genTURNCredentials(username, secret string, expirationTS int64) (string, string, error) {
	if username == "" {
		return "", "", fmt.Errorf("username should not be empty")
	}

	if secret == "" {
		return "", "", fmt.Errorf("secret should not be empty")
	}

	if expirationTS <= 0 {
		return "", "", fmt.Errorf("expirationTS should be a positive number")
	}

	if expirationTS > time.Now().Add(MaxTURNCredentialsExpiration*time.Minute).Unix() {
		return "", "", fmt.Errorf("expirationTS cannot be more than a week into the future")
	}

	h := hmac.New(sha1.New, []byte(secret))
	username = fmt.Sprintf("%d:%s", expirationTS, username)
	if _, err := h.Write([]byte(username)); err != nil {
		return "", "", fmt.Errorf("failed to write hmac: %w", err)
	}
	password := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return username, password, nil
}

// genICEServers returns the ICE servers a peer connection should use.
// TURN servers without static credentials get short-lived ones bound to
// username, or are skipped when no auth secret is configured.
func genICEServers(servers ICEServers, turnCfg TURNConfig, username string) ([]webrtc.ICEServer, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	ts := time.Now().Add(time.Duration(turnCfg.CredentialsExpirationMinutes) * time.Minute).Unix()

	for _, cfg := range servers {
		if cfg.IsTURN() && cfg.Username == "" && cfg.Credential == "" {
			if turnCfg.StaticAuthSecret == "" {
				continue
			}
			user, password, err := genTURNCredentials(username, turnCfg.StaticAuthSecret, ts)
			if err != nil {
				return nil, fmt.Errorf("failed to generate TURN credentials: %w", err)
			}
			cfg.Username = user
			cfg.Credential = password
		}

		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       cfg.URLs,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		})
	}

	return iceServers, nil
}
