package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/pkg/race"
)

// MinIOConfig locates the bucket archives are written to.
type MinIOConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinIOBackend writes one object per exported batch, named
// <prefix>/<first>-<last>.jsonl with zero padded race ids so listing order
// is race order.
type MinIOBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIOBackend(ctx context.Context, cfg MinIOConfig) (*MinIOBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIOBackend{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (b *MinIOBackend) Name() string { return "minio:" + b.bucket + "/" + b.prefix }

func (b *MinIOBackend) Append(ctx context.Context, results []race.Result) error {
	if len(results) == 0 {
		return nil
	}
	data, err := encodeLines(results)
	if err != nil {
		return err
	}

	key := ObjectKey(b.prefix, results[0].RaceID, results[len(results)-1].RaceID)
	_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// LastRaceID derives the highest archived race id from object names alone.
func (b *MinIOBackend) LastRaceID(ctx context.Context) (int64, error) {
	keys, err := b.keys(ctx)
	if err != nil {
		return 0, err
	}

	last := int64(storage.NoRaceID)
	for _, k := range keys {
		_, hi, ok := ParseObjectKey(k)
		if ok && hi > last {
			last = hi
		}
	}
	return last, nil
}

// Each reads every archive object under the prefix in key order.
func (b *MinIOBackend) Each(ctx context.Context, fn func(Record) error) error {
	keys, err := b.keys(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("failed to get object %s: %w", key, err)
		}
		err = decodeLines(obj, fn)
		_ = obj.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
	}
	return nil
}

func (b *MinIOBackend) keys(ctx context.Context) ([]string, error) {
	prefix := b.prefix
	if prefix != "" {
		prefix += "/"
	}

	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if _, _, ok := ParseObjectKey(obj.Key); ok {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MinIOBackend) Close() error { return nil }

// ObjectKey names the object holding races first through last.
func ObjectKey(prefix string, first, last int64) string {
	name := fmt.Sprintf("%020d-%020d.jsonl", first, last)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// ParseObjectKey extracts the race range from an ObjectKey.
func ParseObjectKey(key string) (first, last int64, ok bool) {
	name := strings.TrimSuffix(path.Base(key), ".jsonl")
	if name == path.Base(key) {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(name, "-")
	if !found {
		return 0, 0, false
	}
	first, err1 := strconv.ParseInt(lo, 10, 64)
	last, err2 := strconv.ParseInt(hi, 10, 64)
	if errors.Join(err1, err2) != nil || first > last {
		return 0, 0, false
	}
	return first, last, true
}
