// Package executor starts and runs per-asset pipeline executions. The start
// contract is single-winner per run name: a second start for the same name
// fails with asset.ErrAlreadyExists, which callers treat as success.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

type Executor interface {
	// Start launches a run named runName and returns its execution handle.
	Start(ctx context.Context, runName string, input asset.PipelineInput) (string, error)
}

const maxRunNameLen = 80

var runNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// RunName derives the run name from the asset ID alone, so duplicate ingest
// attempts for one asset collide on the same name.
func RunName(assetID string) string {
	clean := strings.Trim(runNameUnsafe.ReplaceAllString(assetID, "-"), "-")
	name := "asset-" + clean
	if clean == assetID && len(name) <= maxRunNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(assetID))
	suffix := hex.EncodeToString(sum[:6])
	if limit := maxRunNameLen - len(suffix) - 1; len(name) > limit {
		name = name[:limit]
	}
	return name + "-" + suffix
}

// Run is the record handed from Start to whatever interprets the pipeline.
type Run struct {
	RunName      string              `json:"run_name"`
	StateMachine string              `json:"state_machine"`
	Input        asset.PipelineInput `json:"input"`
	StartedAt    int64               `json:"started_at"`
}

type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
}

// ObjectStore is what pipeline steps need from object storage.
type ObjectStore interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type MinioObjects struct {
	Client *minio.Client
}

func (m MinioObjects) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := m.Client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classifyMinio("stat object", err)
	}
	return ObjectInfo{Size: info.Size, ContentType: info.ContentType, ETag: info.ETag}, nil
}

func (m MinioObjects) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinio("get object", err)
	}
	return obj, nil
}

func classifyMinio(op string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s: %w: %v", op, asset.ErrNotFound, err)
	}
	return asset.Transient(op, err)
}

// StepFailedPermanently reports whether retrying the run cannot help.
func StepFailedPermanently(err error) bool {
	return asset.IsPermanent(err) || errors.Is(err, asset.ErrNotFound)
}
