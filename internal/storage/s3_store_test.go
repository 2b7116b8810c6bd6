package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// fakeS3 keeps objects in memory and pages ListObjectsV2 results two at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, key := range keys {
			if key == aws.ToString(in.ContinuationToken) {
				start = i
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3SectionStoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := newS3SectionStore(fake, "bucket", "/sections/")
	ctx := context.Background()
	key := models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "episode-1", Section: "casting"}

	payload := &models.CastingPayload{Roles: []models.CastingRole{{Character: "Mara", AgeRange: "30-40"}}}
	require.NoError(t, store.SaveSection(ctx, key, payload))
	assert.Contains(t, fake.objects, "sections/u1/b1/episode-1/casting.json")

	var got models.CastingPayload
	require.NoError(t, store.LoadSection(ctx, key, &got))
	assert.Equal(t, payload.Roles, got.Roles)
}

func TestS3SectionStoreNotFound(t *testing.T) {
	store := newS3SectionStore(newFakeS3(), "bucket", "sections")
	key := models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "episode-1", Section: "casting"}

	var got models.CastingPayload
	assert.ErrorIs(t, store.LoadSection(context.Background(), key, &got), ErrSectionNotFound)
}

func TestS3SectionStoreListPaginates(t *testing.T) {
	fake := newFakeS3()
	store := newS3SectionStore(fake, "bucket", "sections")
	ctx := context.Background()

	for _, section := range []string{"budget", "casting", "locations", "schedule", "permits"} {
		key := models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "episode-1", Section: section}
		require.NoError(t, store.SaveSection(ctx, key, map[string]string{}))
	}
	other := models.SectionKey{UserID: "u1", StoryBibleID: "b2", Scope: "episode-1", Section: "budget"}
	require.NoError(t, store.SaveSection(ctx, other, map[string]string{}))

	keys, err := store.ListSections(ctx, SectionPrefix{UserID: "u1", StoryBibleID: "b1"})
	require.NoError(t, err)
	require.Len(t, keys, 5)
	var names []string
	for _, key := range keys {
		names = append(names, key.Section)
	}
	assert.Equal(t, []string{"budget", "casting", "locations", "permits", "schedule"}, names)
}
