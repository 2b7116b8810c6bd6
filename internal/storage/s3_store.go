// internal/storage/s3_store.go
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// s3API 用到的 S3 客户端方法
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options S3 存储参数，Endpoint 非空时启用 path-style（MinIO 等）
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3SectionStore 分区保存为 <prefix>/<user>/<bible>/<scope>/<section>.json
type S3SectionStore struct {
	client s3API
	bucket string
	prefix string
}

var _ SectionStore = (*S3SectionStore)(nil)

// NewS3SectionStore 使用默认凭据链创建客户端
func NewS3SectionStore(ctx context.Context, opts S3Options) (*S3SectionStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newS3SectionStore(s3.NewFromConfig(cfg, s3opts...), opts.Bucket, opts.Prefix), nil
}

func newS3SectionStore(client s3API, bucket, prefix string) *S3SectionStore {
	return &S3SectionStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3SectionStore) objectKey(key models.SectionKey) string {
	return path.Join(s.prefix, key.Path()+sectionFileSuffix)
}

func (s *S3SectionStore) SaveSection(ctx context.Context, key models.SectionKey, payload any) error {
	record, err := newRecord(key, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal section %s: %w", key.Path(), err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3SectionStore) LoadSection(ctx context.Context, key models.SectionKey, into any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return ErrSectionNotFound
		}
		return fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("s3 read object: %w", err)
	}
	var record SectionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode section %s: %w", key.Path(), err)
	}
	return decodePayload(key, record.Payload, into)
}

func (s *S3SectionStore) ListSections(ctx context.Context, prefix SectionPrefix) ([]models.SectionKey, error) {
	if err := prefix.Validate(); err != nil {
		return nil, err
	}
	listPrefix := path.Join(s.prefix, prefix.UserID, prefix.StoryBibleID, prefix.Scope) + "/"

	var keys []models.SectionKey
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if key, ok := s.parseObjectKey(aws.ToString(obj.Key)); ok && prefix.Matches(key) {
				keys = append(keys, key)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sortKeys(keys)
	return keys, nil
}

// parseObjectKey 对象键还原为分区键
func (s *S3SectionStore) parseObjectKey(objectKey string) (models.SectionKey, bool) {
	rel := strings.TrimPrefix(objectKey, s.prefix)
	rel = strings.TrimPrefix(rel, "/")
	if !strings.HasSuffix(rel, sectionFileSuffix) {
		return models.SectionKey{}, false
	}
	parts := strings.Split(strings.TrimSuffix(rel, sectionFileSuffix), "/")
	if len(parts) != 4 {
		return models.SectionKey{}, false
	}
	return models.SectionKey{UserID: parts[0], StoryBibleID: parts[1], Scope: parts[2], Section: parts[3]}, true
}

// Close S3 客户端无需释放
func (s *S3SectionStore) Close() error {
	return nil
}
