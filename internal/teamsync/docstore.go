package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// DocumentStore is the generic persistence collaborator behind the Gateway.
// Documents are opaque JSON objects keyed by (collection, id).
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Find(ctx context.Context, collection string, query Query) ([][]byte, error)
	Put(ctx context.Context, collection, id string, doc []byte) error
	Delete(ctx context.Context, collection, id string) (bool, error)
	Close() error
}

// Query selects documents whose top-level fields equal the given values.
// Values must be strings or bools.
type Query struct {
	Where map[string]any
}

func Where(pairs ...any) Query {
	q := Query{Where: map[string]any{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		q.Where[key] = pairs[i+1]
	}
	return q
}

var queryFieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func (q Query) validate() error {
	for field, value := range q.Where {
		if !queryFieldPattern.MatchString(field) {
			return ErrInvalidInput
		}
		switch value.(type) {
		case string, bool:
		default:
			return ErrInvalidInput
		}
	}
	return nil
}

// sortedFields returns the predicate names in a stable order so SQL backends
// build deterministic statements.
func (q Query) sortedFields() []string {
	fields := make([]string, 0, len(q.Where))
	for field := range q.Where {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func (q Query) matches(doc []byte) bool {
	if len(q.Where) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return false
	}
	for field, want := range q.Where {
		got, ok := fields[field]
		switch typed := want.(type) {
		case string:
			if !ok {
				if typed != "" {
					return false
				}
				continue
			}
			if s, isString := got.(string); !isString || s != typed {
				return false
			}
		case bool:
			b, isBool := got.(bool)
			if !ok {
				b, isBool = false, true
			}
			if !isBool || b != typed {
				return false
			}
		}
	}
	return true
}

type memorySnapshot struct {
	Collections map[string]map[string]json.RawMessage `json:"collections"`
}

type InMemoryDocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	uniques     []uniqueIndex
	onWrite     func(snapshot memorySnapshot) error
}

// uniqueIndex mirrors the partial unique indexes the SQL backends create:
// within collection, non-empty values of field must be unique.
type uniqueIndex struct {
	collection string
	field      string
}

var defaultUniqueIndexes = []uniqueIndex{
	{collection: collectionTasks, field: "externalIssueId"},
}

func NewInMemoryDocumentStore() *InMemoryDocumentStore {
	return &InMemoryDocumentStore{
		collections: map[string]map[string][]byte{},
		uniques:     defaultUniqueIndexes,
	}
}

func (s *InMemoryDocumentStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (s *InMemoryDocumentStore) Find(ctx context.Context, collection string, query Query) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := query.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	result := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if query.matches(docs[id]) {
			result = append(result, append([]byte(nil), docs[id]...))
		}
	}
	return result, nil
}

func (s *InMemoryDocumentStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" || id == "" || !json.Valid(doc) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUniqueLocked(collection, id, doc); err != nil {
		return err
	}
	docs, ok := s.collections[collection]
	if !ok {
		docs = map[string][]byte{}
		s.collections[collection] = docs
	}
	previous, existed := docs[id]
	docs[id] = append([]byte(nil), doc...)
	if err := s.persistLocked(); err != nil {
		if existed {
			docs[id] = previous
		} else {
			delete(docs, id)
		}
		return err
	}
	return nil
}

func (s *InMemoryDocumentStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collections[collection]
	previous, ok := docs[id]
	if !ok {
		return false, nil
	}
	delete(docs, id)
	if err := s.persistLocked(); err != nil {
		docs[id] = previous
		return false, err
	}
	return true, nil
}

func (s *InMemoryDocumentStore) Close() error {
	return nil
}

func (s *InMemoryDocumentStore) checkUniqueLocked(collection, id string, doc []byte) error {
	for _, index := range s.uniques {
		if index.collection != collection {
			continue
		}
		value := topLevelString(doc, index.field)
		if value == "" {
			continue
		}
		for otherID, other := range s.collections[collection] {
			if otherID == id {
				continue
			}
			if topLevelString(other, index.field) == value {
				return ErrDuplicate
			}
		}
	}
	return nil
}

func (s *InMemoryDocumentStore) persistLocked() error {
	if s.onWrite == nil {
		return nil
	}
	return s.onWrite(s.snapshotLocked())
}

func (s *InMemoryDocumentStore) snapshotLocked() memorySnapshot {
	snapshot := memorySnapshot{Collections: map[string]map[string]json.RawMessage{}}
	for collection, docs := range s.collections {
		out := make(map[string]json.RawMessage, len(docs))
		for id, doc := range docs {
			out[id] = json.RawMessage(doc)
		}
		snapshot.Collections[collection] = out
	}
	return snapshot
}

func (s *InMemoryDocumentStore) restore(snapshot memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = map[string]map[string][]byte{}
	for collection, docs := range snapshot.Collections {
		in := make(map[string][]byte, len(docs))
		for id, doc := range docs {
			in[id] = append([]byte(nil), doc...)
		}
		s.collections[collection] = in
	}
}

func topLevelString(doc []byte, field string) string {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return ""
	}
	value, _ := fields[field].(string)
	return value
}

// JSONFileDocumentStore keeps every collection in memory and rewrites one
// JSON snapshot file after each write.
type JSONFileDocumentStore struct {
	*InMemoryDocumentStore
	Path string
}

func NewJSONFileDocumentStore(path string) (*JSONFileDocumentStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &JSONFileDocumentStore{
		InMemoryDocumentStore: NewInMemoryDocumentStore(),
		Path:                  path,
	}
	snapshot, err := store.load()
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		store.restore(*snapshot)
	}
	store.onWrite = store.save
	return store, nil
}

func (s *JSONFileDocumentStore) load() (*memorySnapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *JSONFileDocumentStore) save(snapshot memorySnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
