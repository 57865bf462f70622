package teamsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildDocumentStoreFromDSN picks a document store by DSN scheme. An empty DSN
// yields an in-memory store.
func BuildDocumentStoreFromDSN(dsn string) (DocumentStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryDocumentStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupDocumentStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileDocumentStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryDocumentStore(), nil
	case "postgres", "postgresql":
		return NewPostgresDocumentStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteDocumentStore(path)
	case "mongodb", "mysql":
		return nil, fmt.Errorf("%w: document store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}

// DocumentStoreBackend names the backend a DSN resolves to, for status output.
func DocumentStoreBackend(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "memory"
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "file"
	}
	return normalizeBackendScheme(parsed.Scheme)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		// file://relative/dir/state.json parses "relative" as the host
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
