package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshdocs/meshdocs/internal/v1/crdt"
	"github.com/meshdocs/meshdocs/internal/v1/logging"
)

// S3 stores snapshots in an S3-compatible object store under
// {prefix}/{urlencode(room)}/{urlencode(docid)}/{uuid}.
type S3 struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	provider   crdt.Provider
}

// S3Options configures the driver. Endpoint is optional and enables
// path-style addressing for MinIO-style deployments.
type S3Options struct {
	Bucket   string
	Prefix   string
	Endpoint string
}

// NewS3 builds the driver from the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options, provider crdt.Provider) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 storage: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     opts.Bucket,
		prefix:     opts.Prefix,
		provider:   provider,
	}, nil
}

func (s *S3) docPrefix(room, docid string) string {
	return path.Join(s.prefix, url.PathEscape(room), url.PathEscape(docid)) + "/"
}

func (s *S3) put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3) get(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3) PersistDoc(ctx context.Context, room, docid string, state, stateVector []byte) (Reference, error) {
	name := uuid.NewString()
	prefix := s.docPrefix(room, docid)
	if err := s.put(ctx, prefix+name+svSuffix, stateVector); err != nil {
		return "", err
	}
	if err := s.put(ctx, prefix+name, state); err != nil {
		return "", err
	}
	return Reference(name), nil
}

func (s *S3) RetrieveDoc(ctx context.Context, room, docid string) (*Doc, error) {
	prefix := s.docPrefix(room, docid)
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var states [][]byte
	var refs []Reference
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if name == quarantineFile || strings.HasSuffix(name, svSuffix) || strings.Contains(name, "/") {
			continue
		}
		blob, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		states = append(states, blob)
		refs = append(refs, Reference(name))
	}
	if len(states) == 0 {
		return nil, nil
	}

	merged, err := s.provider.Merge(states)
	if err != nil {
		return nil, fmt.Errorf("merge snapshots for %s/%s: %w", room, docid, err)
	}
	sv, err := s.provider.StateVector(merged)
	if err != nil {
		return nil, fmt.Errorf("state vector for %s/%s: %w", room, docid, err)
	}
	return &Doc{Merged: merged, StateVector: sv, References: refs}, nil
}

func (s *S3) RetrieveStateVector(ctx context.Context, room, docid string) ([]byte, error) {
	prefix := s.docPrefix(room, docid)
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var svKeys []string
	for _, key := range keys {
		if strings.HasSuffix(key, svSuffix) {
			svKeys = append(svKeys, key)
		}
	}
	if len(svKeys) == 1 {
		return s.get(ctx, svKeys[0])
	}

	doc, err := s.RetrieveDoc(ctx, room, docid)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.StateVector, nil
}

func (s *S3) DeleteReferences(ctx context.Context, room, docid string, refs []Reference) error {
	prefix := s.docPrefix(room, docid)

	if _, err := s.get(ctx, prefix+quarantineFile); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrQuarantined, room, docid)
	}

	objects := make([]types.ObjectIdentifier, 0, len(refs)*2)
	for _, ref := range refs {
		name := path.Base(string(ref))
		objects = append(objects,
			types.ObjectIdentifier{Key: aws.String(prefix + name)},
			types.ObjectIdentifier{Key: aws.String(prefix + name + svSuffix)},
		)
	}
	if len(objects) == 0 {
		return nil
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete references: %w", err)
	}
	if len(out.Errors) > 0 {
		for _, e := range out.Errors {
			logging.Warn(ctx, "failed to delete snapshot object",
				zap.String("key", aws.ToString(e.Key)),
				zap.String("code", aws.ToString(e.Code)))
		}
		return fmt.Errorf("delete references: %d of %d objects failed", len(out.Errors), len(objects))
	}
	return nil
}

func (s *S3) Quarantine(ctx context.Context, room, docid, reason string) error {
	return s.put(ctx, s.docPrefix(room, docid)+quarantineFile, []byte(reason))
}

func (s *S3) Destroy() error {
	return nil
}

var _ Storage = (*S3)(nil)
