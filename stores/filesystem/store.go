package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codecollab-server/core"

	"github.com/sirupsen/logrus"
)

// document is the on-disk shape of one key: a scalar value and/or a field
// set, plus the expiry stamp shared by everything under the key.
type document struct {
	Value     []byte            `json:"value,omitempty"`
	Fields    map[string][]byte `json:"fields,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

func (d *document) expired(now time.Time) bool {
	return d.ExpiresAt > 0 && now.UnixNano() > d.ExpiresAt
}

type fsStore struct {
	basePath string
}

// NewStore creates a new filesystem-based store.
func NewStore(basePath string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &fsStore{basePath: basePath}
}

// keyPath maps a key to a file path. Keys are percent-encoded so separators
// and dots cannot escape the base directory.
func (s *fsStore) keyPath(key string) (string, error) {
	name := url.PathEscape(key)
	filePath := filepath.Join(s.basePath, name)

	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", err
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absFile, absBase) {
		return "", fmt.Errorf("invalid key: access denied")
	}
	return filePath, nil
}

func (s *fsStore) read(key string) (*document, error) {
	filePath, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Corrupt store file, treating as missing")
		return nil, core.ErrNotFound
	}
	if doc.expired(time.Now()) {
		_ = os.Remove(filePath)
		return nil, core.ErrNotFound
	}
	return &doc, nil
}

// write persists a document atomically via a temp file and rename.
func (s *fsStore) write(key string, doc *document) error {
	filePath, err := s.keyPath(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.basePath, ".write-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}

func (s *fsStore) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if doc.Value == nil {
		return nil, core.ErrNotFound
	}
	return doc.Value, nil
}

func (s *fsStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc, err := s.read(key)
	if err != nil {
		if err != core.ErrNotFound {
			return err
		}
		doc = &document{}
	}
	doc.Value = value
	doc.ExpiresAt = expiresAt(ttl)
	return s.write(key, doc)
}

func (s *fsStore) Delete(ctx context.Context, key string) error {
	filePath, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fsStore) SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	doc, err := s.read(key)
	if err != nil {
		if err != core.ErrNotFound {
			return err
		}
		doc = &document{}
	}
	if doc.Fields == nil {
		doc.Fields = make(map[string][]byte)
	}
	doc.Fields[field] = value
	doc.ExpiresAt = expiresAt(ttl)
	return s.write(key, doc)
}

func (s *fsStore) Fields(ctx context.Context, key string) (map[string][]byte, error) {
	doc, err := s.read(key)
	if err != nil {
		if err == core.ErrNotFound {
			return map[string][]byte{}, nil
		}
		return nil, err
	}
	if doc.Fields == nil {
		return map[string][]byte{}, nil
	}
	return doc.Fields, nil
}

func (s *fsStore) DeleteField(ctx context.Context, key, field string) (int, error) {
	doc, err := s.read(key)
	if err != nil {
		if err == core.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}

	delete(doc.Fields, field)
	remaining := len(doc.Fields)
	if remaining == 0 && doc.Value == nil {
		return 0, s.Delete(ctx, key)
	}
	return remaining, s.write(key, doc)
}

func (s *fsStore) Close() error {
	return nil
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}
