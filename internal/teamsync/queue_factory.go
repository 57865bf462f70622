package teamsync

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildEnvelopeQueueFromDSN(dsn string, capacity int) (EnvelopeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryEnvelopeQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupEnvelopeQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileEnvelopeQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryEnvelopeQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresEnvelopeQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: envelope queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported envelope queue scheme: %s", scheme)
	}
}
