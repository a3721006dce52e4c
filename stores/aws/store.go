package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"codecollab-server/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// document mirrors the filesystem backend's on-object shape: scalar value
// and/or field set plus the shared expiry stamp. S3 has no native TTL for
// this granularity, so expiry is enforced on read.
type document struct {
	Value     []byte            `json:"value,omitempty"`
	Fields    map[string][]byte `json:"fields,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"`
}

func (d *document) expired(now time.Time) bool {
	return d.ExpiresAt > 0 && now.UnixNano() > d.ExpiresAt
}

type s3Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return &s3Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}
}

func objectKey(key string) string {
	return url.PathEscape(key)
}

func (s *s3Store) read(ctx context.Context, key string) (*document, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %v", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %v", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Corrupt store object, treating as missing")
		return nil, core.ErrNotFound
	}
	if doc.expired(time.Now()) {
		_ = s.Delete(ctx, key)
		return nil, core.ErrNotFound
	}
	return &doc, nil
}

func (s *s3Store) write(ctx context.Context, key string, doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload key %s: %v", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc.Value == nil {
		return nil, core.ErrNotFound
	}
	return doc.Value, nil
}

func (s *s3Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc, err := s.read(ctx, key)
	if err != nil {
		if err != core.ErrNotFound {
			return err
		}
		doc = &document{}
	}
	doc.Value = value
	doc.ExpiresAt = expiresAt(ttl)
	return s.write(ctx, key, doc)
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	return err
}

func (s *s3Store) SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	doc, err := s.read(ctx, key)
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
	return s.write(ctx, key, doc)
}

func (s *s3Store) Fields(ctx context.Context, key string) (map[string][]byte, error) {
	doc, err := s.read(ctx, key)
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

func (s *s3Store) DeleteField(ctx context.Context, key, field string) (int, error) {
	doc, err := s.read(ctx, key)
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
	return remaining, s.write(ctx, key, doc)
}

func (s *s3Store) Close() error {
	return nil
}

func isNotFound(err error) bool {
	// The SDK wraps NoSuchKey in operation errors; matching on the code
	// string avoids importing the service error types everywhere.
	return err != nil && strings.Contains(err.Error(), "NoSuchKey")
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixNano()
}
