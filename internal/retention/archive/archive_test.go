package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
}

func (c *capturePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.inputs = append(c.inputs, in)
	c.bodies = append(c.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveWritesGzipJSONLines(t *testing.T) {
	putter := &capturePutter{}
	a, err := NewS3Archiver(putter, "bucket", "/events/")
	require.NoError(t, err)

	at := time.Date(2024, 5, 10, 3, 15, 0, 0, time.UTC)
	key, err := a.Archive(context.Background(), "events", at, []map[string]any{
		{"id": 1, "tenant_id": "acme"},
		{"id": 2, "tenant_id": "acme"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "events/events/2024/05/10/"), key)
	assert.True(t, strings.HasSuffix(key, ".jsonl.gz"))

	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "bucket", aws.ToString(putter.inputs[0].Bucket))
	assert.Equal(t, "2", putter.inputs[0].Metadata["rows"])

	zr, err := gzip.NewReader(strings.NewReader(string(putter.bodies[0])))
	require.NoError(t, err)
	scanner := bufio.NewScanner(zr)
	lines := 0
	for scanner.Scan() {
		assert.Contains(t, scanner.Text(), `"tenant_id":"acme"`)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestArchiveSkipsEmptyBatch(t *testing.T) {
	putter := &capturePutter{}
	a, err := NewS3Archiver(putter, "bucket", "")
	require.NoError(t, err)
	key, err := a.Archive(context.Background(), "events", time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, putter.inputs)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(&capturePutter{}, "", "")
	assert.Error(t, err)

	a, err := NewFromConfig(context.Background(), config.ArchiveConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewFromConfigUsesStaticCredentials(t *testing.T) {
	a, err := NewFromConfig(context.Background(), config.ArchiveConfig{
		Enabled:         true,
		Bucket:          "archive",
		Prefix:          "events",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
	})
	require.NoError(t, err)
	require.NotNil(t, a)

	client, ok := a.client.(*s3.Client)
	require.True(t, ok)
	opts := client.Options()
	assert.True(t, opts.UsePathStyle)
	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "minio", creds.AccessKeyID)
	assert.Equal(t, "minio-secret", creds.SecretAccessKey)
}
