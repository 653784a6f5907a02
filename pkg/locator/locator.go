// Package locator turns message references (message URLs) into the container
// and message identifiers the platform gateway understands.
//
// A reference is treated as opaque by the rest of the system: it is the
// registry primary key. Only this package looks inside it.
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMinPathSegments is the smallest number of non-empty path segments a
// reference may carry. "containers/<container>/<message>" is the shortest
// accepted shape; Discord links carry a guild segment in front of that.
const DefaultMinPathSegments = 3

// Reference parsing errors
var (
	// ErrInvalidReference indicates the reference could not be parsed.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrHostNotAllowed indicates the reference host is not in the allowlist.
	// It always wraps ErrInvalidReference.
	ErrHostNotAllowed = fmt.Errorf("%w: host not allowed", ErrInvalidReference)
)

// Target is the structured form of a reference.
//
// Example references:
//   - https://discord.com/channels/<guild>/<channel>/<message>
//   - https://platform/containers/<container>/<message>
type Target struct {
	// ContainerID is the channel (or thread) holding the message.
	ContainerID string `json:"container_id" yaml:"container_id"`

	// MessageID is the message within the container.
	MessageID string `json:"message_id" yaml:"message_id"`
}

// String returns a compact container/message form for logs.
func (t Target) String() string {
	return t.ContainerID + "/" + t.MessageID
}

// Entry is one parsed item of a reference batch.
type Entry struct {
	Reference string
	Target    Target
	Err       error
}

// Valid reports whether the entry parsed successfully.
func (e Entry) Valid() bool {
	return e.Err == nil
}

// Options configures a Locator.
type Options struct {
	// AllowedHosts are doublestar patterns matched against the URL host.
	// Empty accepts any host.
	AllowedHosts []string

	// MinPathSegments overrides DefaultMinPathSegments when > 0.
	MinPathSegments int
}

// Locator parses references.
type Locator struct {
	allowedHosts []string
	minSegments  int
}

// New creates a Locator. Host patterns are validated up front.
func New(opts Options) (*Locator, error) {
	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, raw := range opts.AllowedHosts {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid host pattern %q", raw)
		}
		hosts = append(hosts, pattern)
	}

	minSegments := opts.MinPathSegments
	if minSegments <= 0 {
		minSegments = DefaultMinPathSegments
	}
	if minSegments < 2 {
		return nil, fmt.Errorf("min path segments must be at least 2, got %d", minSegments)
	}

	return &Locator{allowedHosts: hosts, minSegments: minSegments}, nil
}

var defaultLocator = &Locator{minSegments: DefaultMinPathSegments}

// Parse parses a reference with default options (any host).
func Parse(reference string) (Target, error) {
	return defaultLocator.Parse(reference)
}

// Parse parses a single reference into a Target.
//
// The reference must be an absolute http(s) URL with a host and at least
// MinPathSegments non-empty path segments. The last two segments are the
// container id and the message id, and both must be numeric snowflakes.
func (l *Locator) Parse(reference string) (Target, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return Target{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q is not a URL", ErrInvalidReference, ref)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return Target{}, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidReference, ref)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host in %q", ErrInvalidReference, ref)
	}
	if !l.hostAllowed(host) {
		return Target{}, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	segments := pathSegments(u.Path)
	if len(segments) < l.minSegments {
		return Target{}, fmt.Errorf("%w: expected at least %d path segments, got %d",
			ErrInvalidReference, l.minSegments, len(segments))
	}

	containerID := segments[len(segments)-2]
	messageID := segments[len(segments)-1]
	if !isSnowflake(containerID) {
		return Target{}, fmt.Errorf("%w: container id %q is not numeric", ErrInvalidReference, containerID)
	}
	if !isSnowflake(messageID) {
		return Target{}, fmt.Errorf("%w: message id %q is not numeric", ErrInvalidReference, messageID)
	}

	return Target{ContainerID: containerID, MessageID: messageID}, nil
}

// ParseBatch splits input into references and parses each independently.
// A malformed entry never affects the others.
func (l *Locator) ParseBatch(input string) []Entry {
	refs := Split(input)
	out := make([]Entry, 0, len(refs))
	for _, ref := range refs {
		target, err := l.Parse(ref)
		out = append(out, Entry{Reference: ref, Target: target, Err: err})
	}
	return out
}

// Split breaks a batch on any mix of whitespace and commas.
func Split(input string) []string {
	return strings.FieldsFunc(input, func(r rune) bool {
		switch r {
		case ' ', ',', '\n', '\r', '\t':
			return true
		}
		return false
	})
}

func (l *Locator) hostAllowed(host string) bool {
	if len(l.allowedHosts) == 0 {
		return true
	}
	for _, pattern := range l.allowedHosts {
		// Hosts have no path separators; doublestar treats '.' literally.
		if ok, err := doublestar.Match(pattern, host); err == nil && ok {
			return true
		}
	}
	return false
}

func pathSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isSnowflake(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
