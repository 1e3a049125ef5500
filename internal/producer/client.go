// Package producer sends the anonymous install ping. Sending is best
// effort: every outcome, including failure, is reported as a Result and
// never interrupts the caller.
package producer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"example.com/withme/internal/domain"
)

const (
	DefaultEndpoint = "https://api.typo3withme.org/v1/ping"
	DefaultTimeout  = 3 * time.Second
	UserAgent       = "TYPO3-WithMe-Ping/1.0"
)

// Payload is the JSON body of one ping.
type Payload struct {
	TYPO3Version string `json:"typo3_version"`
	PHPVersion   string `json:"php_version"`
	Event        string `json:"event"`
	ProjectHash  string `json:"project_hash"`
	Composer     string `json:"composer,omitempty"`
	OS           string `json:"os,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Install describes the installation being reported.
type Install struct {
	ProjectDir      string
	Hostname        string
	TYPO3Version    string
	PHPVersion      string
	Event           domain.EventType
	ComposerVersion string
	OS              string
}

// Payload builds the wire payload for in at time now.
func (in Install) Payload(now time.Time) Payload {
	return Payload{
		TYPO3Version: NormalizeVersion(in.TYPO3Version),
		PHPVersion:   MajorMinor(in.PHPVersion),
		Event:        string(in.Event),
		ProjectHash:  ProjectHash(in.ProjectDir, in.Hostname),
		Composer:     in.ComposerVersion,
		OS:           in.OS,
		Timestamp:    now.Unix(),
	}
}

// ProjectHash is the first 16 hex characters of SHA-256(projectDir+hostname).
func ProjectHash(projectDir, hostname string) string {
	sum := sha256.Sum256([]byte(projectDir + hostname))
	return hex.EncodeToString(sum[:])[:domain.ProjectHashLen]
}

// NormalizeVersion drops a leading "v" from a package version.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	return strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
}

// MajorMinor cuts a version down to its first two components.
func MajorMinor(v string) string {
	return domain.VersionPrefix(NormalizeVersion(v))
}

// EventFromComposer maps a Composer script event name, or an event type
// name, to an event type.
func EventFromComposer(name string) (domain.EventType, bool) {
	switch name {
	case "post-create-project-cmd":
		return domain.EventNewInstall, true
	case "post-install-cmd":
		return domain.EventInstall, true
	case "post-update-cmd":
		return domain.EventUpdate, true
	}
	t := domain.EventType(name)
	return t, t.Valid()
}

// Result is the outcome of one Ping. Err is informational only.
type Result struct {
	Sent       bool
	StatusCode int
	// Skipped names the opt-out rule that suppressed the ping.
	Skipped string
	Err     error
}

type Client struct {
	endpoint  string
	http      *http.Client
	timeout   time.Duration
	lookupEnv func(string) (string, bool)
	now       func() time.Time
	logger    *slog.Logger
}

func NewClient(endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint:  endpoint,
		http:      &http.Client{},
		timeout:   DefaultTimeout,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
		logger:    logger.With("component", "producer"),
	}
}

// Ping applies the opt-out rules for in.ProjectDir and, if allowed, sends
// one ping.
func (c *Client) Ping(ctx context.Context, in Install) Result {
	settings, err := LoadSettings(in.ProjectDir)
	if err != nil {
		c.logger.Debug("ignoring project settings", "err", err)
	}
	if out, reason := OptOut(settings, c.lookupEnv); out {
		c.logger.Debug("ping skipped", "reason", reason)
		return Result{Skipped: reason}
	}
	endpoint := c.endpoint
	if settings.Endpoint != "" {
		endpoint = settings.Endpoint
	}
	return c.send(ctx, endpoint, in.Payload(c.now()))
}

// Send posts p to the client's endpoint without consulting opt-out rules.
func (c *Client) Send(ctx context.Context, p Payload) Result {
	return c.send(ctx, c.endpoint, p)
}

func (c *Client) send(ctx context.Context, endpoint string, p Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("ping panicked: %v", r)}
		}
	}()

	body, err := json.Marshal(p)
	if err != nil {
		return Result{Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("ping failed", "err", err)
		return Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		c.logger.Debug("ping rejected", "status", resp.StatusCode)
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return Result{Sent: true, StatusCode: resp.StatusCode}
}
