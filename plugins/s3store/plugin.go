// Package s3store implements a split-strategy StoragePlugin (§6) backed
// by an S3-compatible object store via minio-go, for deployments that
// keep bookkeeping local but push secret bytes to shared object
// storage.
//
// Each stored item is one object under a bucket/prefix/collection
// layout; filter values ride along as object user-metadata rather than
// a side index, and not-found/precondition-failed errors are classified
// by inspecting the minio error response.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/keystonevault/secretsd/registry"
)

// Config holds connection details for an S3-compatible endpoint plus a
// bucket and optional key prefix.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
	Bucket          string
	KeyPrefix       string
}

// Plugin is a StoragePlugin over one bucket, namespaced by an optional
// key prefix.
type Plugin struct {
	name   string
	client *minio.Client
	bucket string
	prefix string
}

// New connects to cfg.Endpoint and returns a Plugin registered under
// name. It does not verify the bucket exists; the first CreateCollection
// call surfaces a missing bucket as an error.
func New(name string, cfg Config) (*Plugin, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: creating client: %w", err)
	}
	return &Plugin{name: name, client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) objectKey(collection, key string) string {
	parts := []string{}
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}
	parts = append(parts, collection, key)
	return strings.Join(parts, "/")
}

func (p *Plugin) collectionPrefix(collection string) string {
	return p.objectKey(collection, "")
}

// CreateCollection has no independent representation in S3 beyond its
// eventual secrets; it verifies the bucket is reachable and that no
// object already exists under the collection's prefix.
func (p *Plugin) CreateCollection(ctx context.Context, collection string) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("s3store: checking bucket %q: %w", p.bucket, err)
	}
	if !exists {
		return fmt.Errorf("s3store: bucket %q does not exist", p.bucket)
	}

	found := false
	for range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: p.collectionPrefix(collection)}) {
		found = true
		break
	}
	if found {
		return fmt.Errorf("s3store: collection %q already exists", collection)
	}
	return nil
}

func (p *Plugin) DeleteCollection(ctx context.Context, collection string) error {
	objectsCh := p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: p.collectionPrefix(collection), Recursive: true})
	for obj := range objectsCh {
		if obj.Err != nil {
			return fmt.Errorf("s3store: listing collection %q: %w", collection, obj.Err)
		}
		if err := p.client.RemoveObject(ctx, p.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("s3store: removing %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (p *Plugin) SetSecret(ctx context.Context, collection string, record registry.SecretRecord) error {
	meta := make(map[string]string, len(record.Filter)+1)
	for k, v := range record.Filter {
		meta["filter-"+k] = v
	}
	if record.Identity != "" {
		meta["identity"] = record.Identity
	}

	_, err := p.client.PutObject(ctx, p.bucket, p.objectKey(collection, record.Key),
		bytes.NewReader(record.Data), int64(len(record.Data)),
		minio.PutObjectOptions{UserMetadata: meta})
	if err != nil {
		return fmt.Errorf("s3store: putting secret %q: %w", record.Key, err)
	}
	return nil
}

func (p *Plugin) GetSecret(ctx context.Context, collection, key string) (registry.SecretRecord, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.objectKey(collection, key), minio.GetObjectOptions{})
	if err != nil {
		return registry.SecretRecord{}, fmt.Errorf("s3store: getting secret %q: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFoundError(err) {
			return registry.SecretRecord{}, fmt.Errorf("s3store: secret %q not found", key)
		}
		return registry.SecretRecord{}, fmt.Errorf("s3store: reading secret %q: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		if isNotFoundError(err) {
			return registry.SecretRecord{}, fmt.Errorf("s3store: secret %q not found", key)
		}
		return registry.SecretRecord{}, fmt.Errorf("s3store: statting secret %q: %w", key, err)
	}

	return registry.SecretRecord{Key: key, Data: data, Filter: filterFromMetadata(info.UserMetadata), Identity: info.UserMetadata["Identity"]}, nil
}

func (p *Plugin) DeleteSecret(ctx context.Context, collection, key string) error {
	if err := p.client.RemoveObject(ctx, p.bucket, p.objectKey(collection, key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3store: deleting secret %q: %w", key, err)
	}
	return nil
}

func (p *Plugin) FindSecrets(ctx context.Context, collection string, filter map[string]string, matchAll bool) ([]string, error) {
	var keys []string
	prefix := p.collectionPrefix(collection)
	for obj := range p.client.ListObjects(ctx, p.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, WithMetadata: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("s3store: listing collection %q: %w", collection, obj.Err)
		}
		if matchesFilter(filterFromMetadata(obj.UserMetadata), filter, matchAll) {
			keys = append(keys, strings.TrimPrefix(obj.Key, prefix))
		}
	}
	return keys, nil
}

func filterFromMetadata(meta map[string]string) map[string]string {
	filter := make(map[string]string)
	for k, v := range meta {
		if name, ok := strings.CutPrefix(strings.ToLower(k), "x-amz-meta-filter-"); ok {
			filter[name] = v
			continue
		}
		if name, ok := strings.CutPrefix(k, "filter-"); ok {
			filter[name] = v
		}
	}
	return filter
}

func matchesFilter(have, want map[string]string, matchAll bool) bool {
	if len(want) == 0 {
		return true
	}
	matched := 0
	for k, v := range want {
		if have[k] == v {
			matched++
		}
	}
	if matchAll {
		return matched == len(want)
	}
	return matched > 0
}

// isNotFoundError reports whether err is minio's wrapped ErrorResponse
// for a missing key, identified by its Code field.
func isNotFoundError(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
