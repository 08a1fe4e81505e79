package admission

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

func newMinio(t *testing.T) *minio.Client {
	t.Helper()
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minio", "minio123", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)
	return client
}

func newTestAdmitter(p Presigner) *Admitter {
	a := New(p, Options{
		Bucket:            "uploads",
		Expiry:            300 * time.Second,
		KeyPrefix:         "uploads/",
		KeyExtension:      ".jpg",
		ContentTypePrefix: "image/",
	})
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	a.newID = func() string { return "fixed" }
	return a
}

func TestAdmitIssuesScopedPolicy(t *testing.T) {
	a := newTestAdmitter(newMinio(t))

	intent, note, err := a.Admit(context.Background(), "RECIPE#r1")
	require.NoError(t, err)

	assert.Equal(t, "uploads/1700000000-fixed.jpg", intent.ObjectKey)
	assert.Equal(t, time.Unix(1700000300, 0).UTC(), intent.ExpiresAt)
	assert.Contains(t, intent.URL, "/uploads")
	assert.Equal(t, "uploads/1700000000-fixed.jpg", intent.FormData["key"])
	assert.Equal(t, "RECIPE#r1", intent.FormData["x-amz-meta-recipe-pk"])

	raw, err := base64.StdEncoding.DecodeString(intent.FormData["policy"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `["starts-with","$Content-Type","image/"]`)

	assert.Equal(t, asset.Notification{
		Bucket:    "uploads",
		ObjectKey: "uploads/1700000000-fixed.jpg",
		RecipePK:  "RECIPE#r1",
		RecipeSK:  "CREATED#0",
	}, note)
}

func TestAdmitDefaultsUnknownRecipe(t *testing.T) {
	_, note, err := newTestAdmitter(newMinio(t)).Admit(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, asset.DefaultRecipePK, note.RecipePK)
}

type failingPresigner struct {
	exists    bool
	existsErr error
}

func (f failingPresigner) PresignedPostPolicy(context.Context, *minio.PostPolicy) (*url.URL, map[string]string, error) {
	return nil, nil, errors.New("dial tcp: connection refused")
}

func (f failingPresigner) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func TestAdmitStorageUnavailable(t *testing.T) {
	_, _, err := newTestAdmitter(failingPresigner{}).Admit(context.Background(), "RECIPE#r1")
	assert.ErrorIs(t, err, asset.ErrStorageUnavailable)
	assert.ErrorIs(t, err, asset.ErrTransientDependency)
}

func TestAdmitVerifiesBucket(t *testing.T) {
	a := newTestAdmitter(failingPresigner{existsErr: errors.New("timeout")})
	a.opts.VerifyBucket = true
	_, _, err := a.Admit(context.Background(), "")
	assert.ErrorIs(t, err, asset.ErrStorageUnavailable)

	a = newTestAdmitter(failingPresigner{exists: false})
	a.opts.VerifyBucket = true
	_, _, err = a.Admit(context.Background(), "")
	assert.ErrorIs(t, err, asset.ErrStorageUnavailable)
	assert.True(t, strings.Contains(err.Error(), "missing"))
}
