// Package admission issues scoped, short-lived upload credentials. It writes
// nothing: the only output is the presigned form and the notification payload
// that downstream stages will receive once the upload lands.
package admission

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

const (
	MetaRecipePK = "recipe-pk"
	MetaRecipeSK = "recipe-sk"
)

// Presigner is satisfied by *minio.Client.
type Presigner interface {
	PresignedPostPolicy(ctx context.Context, p *minio.PostPolicy) (*url.URL, map[string]string, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

type Options struct {
	Bucket            string
	Expiry            time.Duration
	KeyPrefix         string
	KeyExtension      string
	ContentTypePrefix string
	VerifyBucket      bool
}

type Admitter struct {
	presigner Presigner
	opts      Options
	now       func() time.Time
	newID     func() string
}

func New(presigner Presigner, opts Options) *Admitter {
	if opts.Expiry <= 0 {
		opts.Expiry = 300 * time.Second
	}
	return &Admitter{
		presigner: presigner,
		opts:      opts,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Admit issues an upload credential for one object key tied to recipePK. An
// empty recipe falls back to the unknown recipe.
func (a *Admitter) Admit(ctx context.Context, recipePK string) (asset.UploadIntent, asset.Notification, error) {
	recipe := asset.RecipeKey{PK: strings.TrimSpace(recipePK), SK: asset.DefaultRecipeSK}
	if recipe.PK == "" {
		recipe.PK = asset.DefaultRecipePK
	}

	if a.opts.VerifyBucket {
		ok, err := a.presigner.BucketExists(ctx, a.opts.Bucket)
		if err != nil {
			return asset.UploadIntent{}, asset.Notification{}, fmt.Errorf("check bucket %s: %w: %v", a.opts.Bucket, asset.ErrStorageUnavailable, err)
		}
		if !ok {
			return asset.UploadIntent{}, asset.Notification{}, fmt.Errorf("bucket %s missing: %w", a.opts.Bucket, asset.ErrStorageUnavailable)
		}
	}

	now := a.now().UTC()
	key := fmt.Sprintf("%s%d-%s%s", a.opts.KeyPrefix, now.Unix(), a.newID(), a.opts.KeyExtension)
	expires := now.Add(a.opts.Expiry)

	policy := minio.NewPostPolicy()
	for _, set := range []func() error{
		func() error { return policy.SetBucket(a.opts.Bucket) },
		func() error { return policy.SetKey(key) },
		func() error { return policy.SetExpires(expires) },
		func() error { return policy.SetUserMetadata(MetaRecipePK, recipe.PK) },
		func() error { return policy.SetUserMetadata(MetaRecipeSK, recipe.SK) },
	} {
		if err := set(); err != nil {
			return asset.UploadIntent{}, asset.Notification{}, fmt.Errorf("%w: build upload policy: %v", asset.ErrPermanentInput, err)
		}
	}
	if a.opts.ContentTypePrefix != "" {
		if err := policy.SetContentTypeStartsWith(a.opts.ContentTypePrefix); err != nil {
			return asset.UploadIntent{}, asset.Notification{}, fmt.Errorf("%w: build upload policy: %v", asset.ErrPermanentInput, err)
		}
	}

	u, form, err := a.presigner.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return asset.UploadIntent{}, asset.Notification{}, fmt.Errorf("presign upload: %w: %v", asset.ErrStorageUnavailable, err)
	}

	intent := asset.UploadIntent{
		Bucket:    a.opts.Bucket,
		ObjectKey: key,
		Recipe:    recipe,
		URL:       u.String(),
		FormData:  form,
		ExpiresAt: expires,
	}
	notification := asset.Notification{
		Bucket:    a.opts.Bucket,
		ObjectKey: key,
		RecipePK:  recipe.PK,
		RecipeSK:  recipe.SK,
	}
	return intent, notification, nil
}
