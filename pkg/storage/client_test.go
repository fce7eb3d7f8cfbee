package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// memS3 serves objects from a map. List pages hold one key each.
type memS3 struct {
	objects map[string]string
}

func (m *memS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (m *memS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	out := &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body)))}
	if strings.HasSuffix(aws.ToString(in.Key), "BOOT.BIN") {
		sum := sha256.Sum256([]byte(body))
		out.Metadata = map[string]string{"sha256": hex.EncodeToString(sum[:])}
	}
	return out, nil
}

func (m *memS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return &s3.ListObjectsV2Output{}, nil
	}
	out := &s3.ListObjectsV2Output{Contents: []types.Object{{
		Key:  aws.String(keys[0]),
		Size: aws.Int64(int64(len(m.objects[keys[0]]))),
	}}}
	if len(keys) > 1 {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[0])
	}
	return out, nil
}

func newMem() *Client {
	return NewWithAPI(&memS3{objects: map[string]string{
		"aeg/loki/v1.0.0/BOOT.BIN": "loader",
		"aeg/loki/v1.0.0/boot.scr": "script",
		"aeg/loki/v1.1.0/image.ub": "image",
		"other/x/v0/readme":        "x",
	}}, "loki-releases")
}

func TestDownload(t *testing.T) {
	c := newMem()
	var buf bytes.Buffer

	obj, err := c.Download(context.Background(), "aeg/loki/v1.0.0/BOOT.BIN", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	want := sha256.Sum256([]byte("loader"))
	if obj.SHA256 != hex.EncodeToString(want[:]) || obj.Size != 6 || buf.String() != "loader" {
		t.Errorf("unexpected result %+v body=%q", obj, buf.String())
	}

	_, err = c.Download(context.Background(), "aeg/loki/v9/BOOT.BIN", &buf)
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestList_Paginates(t *testing.T) {
	objs, err := newMem().List(context.Background(), "aeg/loki/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("objects = %v", objs)
	}
	if objs[0].Key != "aeg/loki/v1.0.0/BOOT.BIN" || objs[0].Size != 6 {
		t.Errorf("first object = %+v", objs[0])
	}
}

func TestStat(t *testing.T) {
	c := newMem()
	ctx := context.Background()

	obj, err := c.Stat(ctx, "aeg/loki/v1.0.0/BOOT.BIN")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	want := sha256.Sum256([]byte("loader"))
	if obj.Size != 6 || obj.SHA256 != hex.EncodeToString(want[:]) {
		t.Errorf("Stat(published) = %+v", obj)
	}

	obj, err = c.Stat(ctx, "other/x/v0/readme")
	if err != nil || obj.SHA256 != "" || obj.Size != 1 {
		t.Errorf("Stat(unpublished) = %+v, %v", obj, err)
	}

	_, err = c.Stat(ctx, "missing")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Stat(missing) = %v, want NotFoundError", err)
	}
}
