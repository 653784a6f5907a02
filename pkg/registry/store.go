// Package registry persists the set of tracked message references.
//
// The registry is the durable record of intent: a reference present here
// should be cleaned. It survives restarts and is reconciled against the
// platform on boot.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrRemoteUnsupported is returned for a remote registry URL in a build
// without the libsql driver.
var ErrRemoteUnsupported = errors.New("remote registry requires a cgo-enabled build")

type Config struct {
	// Path is a local filesystem path to the registry database, a file:
	// DSN, or ":memory:". A leading "~/" expands to the home directory.
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io. It takes
	// precedence over Path.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not already present.
	AuthToken string
}

type locationKind int

const (
	locationMemory locationKind = iota
	locationFile
	locationRemote
)

// location is a resolved registry address.
type location struct {
	kind locationKind
	dsn  string
	// path is the local database file for locationFile.
	path string
}

var remoteSchemes = map[string]bool{
	"libsql": true,
	"https":  true,
	"http":   true,
	"wss":    true,
}

// resolveLocation turns cfg into a DSN for the compiled-in driver. Remote
// URLs are refused up front when the driver cannot reach them, and remote
// schemes in Path are refused so a misplaced URL is never created as a
// local file.
func resolveLocation(cfg Config) (location, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return location{}, fmt.Errorf("invalid registry url: %w", err)
		}
		if !remoteSchemes[strings.ToLower(parsed.Scheme)] {
			return location{}, fmt.Errorf("registry url scheme %q is not remote; use registry.path", parsed.Scheme)
		}
		if !remoteSupported {
			return location{}, ErrRemoteUnsupported
		}
		return location{kind: locationRemote, dsn: addAuthToken(parsed, cfg.AuthToken)}, nil
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return location{}, errors.New("registry path or url is required")
	case path == ":memory:":
		return location{kind: locationMemory, dsn: path}, nil
	case strings.HasPrefix(path, "libsql:"), strings.Contains(path, "://") && !strings.HasPrefix(path, "file:"):
		return location{}, fmt.Errorf("registry path %q looks like a url; use registry.url", path)
	}

	local := path
	if strings.HasPrefix(path, "file:") {
		p, err := extractFilePath(path)
		if err != nil {
			return location{}, err
		}
		if p == "" {
			return location{}, fmt.Errorf("registry path %q names no file", path)
		}
		local = p
	}
	local, err := expandHome(local)
	if err != nil {
		return location{}, err
	}
	local = filepath.Clean(local)

	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return location{}, fmt.Errorf("registry path %s is a directory", local)
	}

	dsn := "file:" + local
	if strings.HasPrefix(path, "file:") {
		// Keep caller-supplied query parameters such as mode=ro.
		if i := strings.IndexByte(path, '?'); i >= 0 {
			dsn += path[i:]
		}
	}
	return location{kind: locationFile, dsn: dsn, path: local}, nil
}

func addAuthToken(parsed *url.URL, token string) string {
	if strings.TrimSpace(token) == "" {
		return parsed.String()
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid registry path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand registry path: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// openDB opens (and creates if needed) the registry database using the
// driver selected at build time.
func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	loc, err := resolveLocation(cfg)
	if err != nil {
		return nil, err
	}
	if loc.kind == locationFile {
		if err := ensureStoreDir(loc.path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driverName, loc.dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := configureConnection(ctx, db, loc.kind); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	return db, nil
}

func configureConnection(ctx context.Context, db *sql.DB, kind locationKind) error {
	switch kind {
	case locationRemote:
		return nil
	case locationMemory:
		// A :memory: database lives inside one connection; a second
		// connection would see an empty schema.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return nil
	}

	// Registry writes are serialised by the scheduler; one connection plus
	// WAL keeps the offline CLI from tripping over a running bot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- shared data directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	return nil
}
