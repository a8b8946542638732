package relaychat

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCheckpointFromDSN selects a checkpoint backend by scheme:
// memory://, file://path (or a bare path), postgres://…
func BuildCheckpointFromDSN(dsn string) (Checkpoint, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty checkpoint dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCheckpoint(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCheckpoint(), nil
	case "postgres", "postgresql":
		return NewPostgresCheckpoint(dsn)
	default:
		return nil, fmt.Errorf("unsupported checkpoint scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: dsn %q has no path", ErrInvalidInput, raw)
	}
	return path, nil
}
