package testutil

import (
	"context"
	"io"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// MockS3 is an in-memory S3 endpoint for archive tests. It is torn down by
// t.Cleanup.
type MockS3 struct {
	t      testing.TB
	server *httptest.Server
	Client *s3.Client
	Bucket string
}

// StartMockS3 serves gofakes3 on a random port and creates bucket on it.
func StartMockS3(t testing.TB, bucket string) *MockS3 {
	t.Helper()
	if bucket == "" {
		t.Fatal("mock s3: bucket is required")
	}

	server := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	t.Cleanup(server.Close)

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("mock s3: load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(server.URL)
		o.UsePathStyle = true
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("mock s3: create bucket %q: %v", bucket, err)
	}

	return &MockS3{t: t, server: server, Client: client, Bucket: bucket}
}

// Keys lists the bucket's object keys in sorted order.
func (m *MockS3) Keys() []string {
	m.t.Helper()
	out, err := m.Client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{Bucket: aws.String(m.Bucket)})
	if err != nil {
		m.t.Fatalf("mock s3: list %q: %v", m.Bucket, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	sort.Strings(keys)
	return keys
}

// Object returns the body stored under key.
func (m *MockS3) Object(key string) string {
	m.t.Helper()
	out, err := m.Client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		m.t.Fatalf("mock s3: get %q: %v", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		m.t.Fatalf("mock s3: read %q: %v", key, err)
	}
	return string(body)
}
