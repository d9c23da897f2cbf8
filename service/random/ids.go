// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"

	"github.com/pborman/uuid"
)

const (
	charset = "ybndrfg8ejkmcpqxot1uwisza345h769"

	// CodeAlphabet is the set of characters session codes are drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// CodeLength is the length of a session code.
	CodeLength = 6
)

var encoding = base32.NewEncoding(charset)

// NewID returns a 26 characters long connection identifier. It's a random
// UUID encoded with a z-base-32 alphabet, padding stripped.
func NewID() string {
	var b bytes.Buffer
	encoder := base32.NewEncoder(encoding, &b)
	if _, err := encoder.Write(uuid.NewRandom()); err != nil {
		return ""
	}
	encoder.Close()
	b.Truncate(26)
	return b.String()
}

// NewCode returns a random string of the given length using only characters
// from alphabet. Every character is drawn uniformly.
func NewCode(length int, alphabet string) (string, error) {
	if length < 0 {
		return "", fmt.Errorf("invalid length value: should not be negative")
	}
	if alphabet == "" {
		return "", fmt.Errorf("invalid alphabet value: should not be empty")
	}

	max := big.NewInt(int64(len(alphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random data: %w", err)
		}
		code[i] = alphabet[n.Int64()]
	}

	return string(code), nil
}

// NewSessionCode returns a new session code made of CodeLength uppercase
// alphanumeric characters.
func NewSessionCode() (string, error) {
	return NewCode(CodeLength, CodeAlphabet)
}
