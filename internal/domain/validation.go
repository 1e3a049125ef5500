package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	typo3VersionRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
	phpVersionRe   = regexp.MustCompile(`^\d+\.\d+$`)
	projectHashRe  = regexp.MustCompile(`^[a-f0-9]{16}$`)
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Ping is the producer payload after JSON decoding. A field sent with a
// non-string JSON type decodes as empty, so validation rejects it by name
// instead of failing the whole body.
type Ping struct {
	TYPO3Version string
	PHPVersion   string
	Event        string
	ProjectHash  string
	OS           *string
}

// DecodePing parses a request body. Anything that is not a JSON object is
// ErrMalformedBody; field-level problems are left to ValidatePing.
func DecodePing(raw []byte) (Ping, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Ping{}, ErrMalformedBody
	}
	p := Ping{
		TYPO3Version: stringField(fields, "typo3_version"),
		PHPVersion:   stringField(fields, "php_version"),
		Event:        stringField(fields, "event"),
		ProjectHash:  stringField(fields, "project_hash"),
	}
	if p.Event == "" {
		p.Event = stringField(fields, "event_type")
	}
	if os := stringField(fields, "os"); os != "" {
		os = truncate(os, MaxOSLen)
		p.OS = &os
	}
	return p, nil
}

// stringField returns the string value of key, or "" when it is absent,
// null or not a string.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// ValidatePing checks every required field and reports all failures.
func ValidatePing(p Ping) []FieldError {
	var errs []FieldError

	if p.TYPO3Version == "" {
		errs = append(errs, FieldError{"typo3_version", "required"})
	} else if !typo3VersionRe.MatchString(p.TYPO3Version) {
		errs = append(errs, FieldError{"typo3_version", "must look like 13.4 or 13.4.2"})
	}

	if p.PHPVersion == "" {
		errs = append(errs, FieldError{"php_version", "required"})
	} else if !phpVersionRe.MatchString(p.PHPVersion) {
		errs = append(errs, FieldError{"php_version", "must look like 8.3"})
	}

	if p.Event == "" {
		errs = append(errs, FieldError{"event", "required"})
	} else if !EventType(p.Event).Valid() {
		errs = append(errs, FieldError{"event", "must be one of new_install, install, update"})
	}

	if p.ProjectHash == "" {
		errs = append(errs, FieldError{"project_hash", "required"})
	} else if !projectHashRe.MatchString(p.ProjectHash) {
		errs = append(errs, FieldError{"project_hash", fmt.Sprintf("must be %d lowercase hex characters", ProjectHashLen)})
	}

	return errs
}

// ToEvent builds the unsaved event for a validated ping.
func (p Ping) ToEvent() Event {
	return Event{
		TYPO3Version: p.TYPO3Version,
		PHPVersion:   p.PHPVersion,
		Type:         EventType(p.Event),
		ProjectHash:  p.ProjectHash,
		OS:           p.OS,
	}
}

// VersionPrefix returns the major.minor part of a TYPO3 version.
func VersionPrefix(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
