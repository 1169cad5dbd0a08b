package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	core "copyflow/internal/artifact"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps each artifact version as one JSON object under
// <run>/<index>-<phase>/v<version>.json. Objects are never overwritten.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) PutArtifact(ctx context.Context, a core.PhaseArtifact) error {
	if err := checkArtifact(a); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	key := objectKey(a.Key())
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrArtifactExists, a.Key())
	case !isNoSuchKey(err):
		return fmt.Errorf("stat %s: %w", key, err)
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (s *S3Store) GetArtifact(ctx context.Context, key core.Key) (core.PhaseArtifact, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return core.PhaseArtifact{}, fmt.Errorf("ensure bucket: %w", err)
	}
	return s.get(ctx, objectKey(key))
}

func (s *S3Store) get(ctx context.Context, objKey string) (core.PhaseArtifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, objKey, minio.GetObjectOptions{})
	if err != nil {
		return core.PhaseArtifact{}, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return core.PhaseArtifact{}, fmt.Errorf("artifact %s: %w", objKey, ErrNotFound)
		}
		return core.PhaseArtifact{}, err
	}
	var a core.PhaseArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return core.PhaseArtifact{}, fmt.Errorf("decode %s: %w", objKey, err)
	}
	return a, nil
}

func (s *S3Store) keys(ctx context.Context, runID string) ([]core.Key, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := runID + "/"
	keys := make([]core.Key, 0, 16)
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		k, ok := parseObjectKey(obj.Key)
		if !ok || k.RunID != runID {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *S3Store) ListArtifacts(ctx context.Context, runID string) ([]core.PhaseArtifact, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]core.PhaseArtifact, 0, len(keys))
	for _, k := range keys {
		a, err := s.get(ctx, objectKey(k))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortArtifacts(out)
	return out, nil
}

func (s *S3Store) Latest(ctx context.Context, runID, phase string) (core.PhaseArtifact, bool, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	keys, err := s.keys(ctx, runID)
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	best, ok := latestKey(keys, phase)
	if !ok {
		return core.PhaseArtifact{}, false, nil
	}
	a, err := s.get(ctx, objectKey(best))
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	return a, true, nil
}

func latestKey(keys []core.Key, phase string) (core.Key, bool) {
	var best core.Key
	found := false
	for _, k := range keys {
		if k.Phase == phase && (!found || k.Version > best.Version) {
			best, found = k, true
		}
	}
	return best, found
}

func objectKey(k core.Key) string {
	return fmt.Sprintf("%s/%03d-%s/v%06d.json", strings.TrimSpace(k.RunID), k.PhaseIndex, k.Phase, k.Version)
}

func parseObjectKey(s string) (core.Key, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return core.Key{}, false
	}
	idx, phase, ok := strings.Cut(parts[1], "-")
	if !ok || phase == "" {
		return core.Key{}, false
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return core.Key{}, false
	}
	ver := strings.TrimSuffix(strings.TrimPrefix(parts[2], "v"), ".json")
	version, err := strconv.Atoi(ver)
	if err != nil || version < 1 {
		return core.Key{}, false
	}
	return core.Key{RunID: parts[0], PhaseIndex: index, Phase: phase, Version: version}, true
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
