/*
Copyright The Divolte Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ident implements the Divolte identifier used as party and session
// id. The identifier is a compact, sortable token of the form V:T:P, where V
// is a version character, T is the creation timestamp in milliseconds encoded
// as an unsigned base-36 integer, and P is 24 bytes of randomness encoded
// with URL-safe base64 (no padding).
package ident

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// CurrentVersion is the version character of identifiers generated by
	// this package.
	CurrentVersion byte = '0'

	payloadLength = 24
)

// DivolteIdentifier is a parsed or freshly generated identifier. Two
// identifiers are equal iff their canonical string forms are equal, so the
// struct is directly usable as a map key.
type DivolteIdentifier struct {
	Version   byte
	Timestamp int64
	Value     string
}

// Generate returns a fresh identifier carrying the current time.
func Generate() DivolteIdentifier {
	return GenerateForTime(nowMillis())
}

// GenerateForTime returns a fresh identifier carrying the given timestamp in
// milliseconds since the epoch.
func GenerateForTime(ts int64) DivolteIdentifier {
	payload := make([]byte, payloadLength)
	if _, err := rand.Read(payload); err != nil {
		// crypto/rand failure means the platform entropy source is gone
		panic(fmt.Errorf("failed to read random payload: %w", err))
	}
	value := string(CurrentVersion) + ":" + strconv.FormatInt(ts, 36) + ":" + base64.RawURLEncoding.EncodeToString(payload)
	return DivolteIdentifier{
		Version:   CurrentVersion,
		Timestamp: ts,
		Value:     value,
	}
}

// TryParse parses the string form of an identifier. Parsing is total:
// malformed or wrong-version input returns ok == false, never an error.
func TryParse(s string) (DivolteIdentifier, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return DivolteIdentifier{}, false
	}
	if parts[0] != string(CurrentVersion) {
		return DivolteIdentifier{}, false
	}
	// strconv accepts a sign prefix, the wire form never carries one
	if len(parts[1]) == 0 || parts[1][0] == '+' || parts[1][0] == '-' {
		return DivolteIdentifier{}, false
	}
	ts, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return DivolteIdentifier{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(payload) != payloadLength {
		return DivolteIdentifier{}, false
	}
	return DivolteIdentifier{
		Version:   CurrentVersion,
		Timestamp: ts,
		Value:     s,
	}, true
}

func (d DivolteIdentifier) String() string {
	return d.Value
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
