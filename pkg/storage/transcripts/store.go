// Package transcripts archives finished call transcripts. Archival is fire
// and forget from the signaling layer's point of view: a failed write is
// logged, never surfaced to the caller.
package transcripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
)

// Evaluation mirrors the score summary attached to the archived record.
type Evaluation struct {
	Score int    `json:"score"`
	Grade string `json:"grade"`
}

// Record is one archived call.
type Record struct {
	SessionID       string          `json:"session_id"`
	CallerName      string          `json:"caller_name,omitempty"`
	CallerPhone     string          `json:"caller_phone,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds int             `json:"duration_seconds"`
	EndReason       string          `json:"end_reason"`
	Entries         []session.Entry `json:"entries"`
	Evaluation      *Evaluation     `json:"evaluation,omitempty"`
}

// Store persists one finished call.
type Store interface {
	Save(ctx context.Context, rec Record) error
}

// objectPutter is the slice of the S3 client the store needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes one JSON object per call under <prefix>/<session_id>.json.
type S3Store struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Store builds an S3-backed store using the ambient AWS credential
// chain.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("transcripts: bucket must not be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcripts: load aws config: %w", err)
	}
	return newS3Store(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

func newS3Store(client objectPutter, bucket, prefix string) *S3Store {
	if prefix == "" {
		prefix = "transcripts"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Save(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("transcripts: record has no session id")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transcripts: marshal record: %w", err)
	}
	key := s.prefix + "/" + rec.SessionID + ".json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("transcripts: put %s: %w", key, err)
	}
	return nil
}

// DirStore writes one JSON file per call into a local directory. Used when
// no bucket is configured.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcripts: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcripts: create %s: %w", dir, err)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) Save(_ context.Context, rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("transcripts: record has no session id")
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("transcripts: marshal record: %w", err)
	}
	path := filepath.Join(d.dir, rec.SessionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("transcripts: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("transcripts: rename %s: %w", path, err)
	}
	return nil
}

// Discard drops every record. Used when archival is disabled.
type Discard struct{}

func (Discard) Save(context.Context, Record) error { return nil }
