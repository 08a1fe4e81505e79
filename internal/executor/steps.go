package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/imalyk/go-asset-pipeline/pkg/asset"
)

// Step is one named state of the pipeline. Outputs are merged into the run record.
type Step struct {
	Name string
	Run  func(ctx context.Context, input asset.PipelineInput, outputs map[string]string) error
}

// Pipeline runs its steps in order and stops at the first failure.
type Pipeline struct {
	Steps []Step
}

func (p Pipeline) Execute(ctx context.Context, input asset.PipelineInput, onStep func(step string, outputs map[string]string)) (map[string]string, error) {
	outputs := make(map[string]string)
	for _, step := range p.Steps {
		if err := step.Run(ctx, input, outputs); err != nil {
			return outputs, fmt.Errorf("step %s: %w", step.Name, err)
		}
		if onStep != nil {
			onStep(step.Name, outputs)
		}
	}
	return outputs, nil
}

// DefaultPipeline verifies the uploaded object and fingerprints it.
func DefaultPipeline(objects ObjectStore, contentTypePrefix string) Pipeline {
	return Pipeline{Steps: []Step{
		InspectStep(objects, contentTypePrefix),
		ChecksumStep(objects),
	}}
}

// InspectStep confirms the object exists and carries an acceptable content type.
func InspectStep(objects ObjectStore, contentTypePrefix string) Step {
	return Step{
		Name: "inspect",
		Run: func(ctx context.Context, input asset.PipelineInput, outputs map[string]string) error {
			info, err := objects.Stat(ctx, input.Bucket, input.ObjectKey)
			if err != nil {
				return err
			}
			if contentTypePrefix != "" && !strings.HasPrefix(info.ContentType, contentTypePrefix) {
				return fmt.Errorf("%w: content type %q does not match %q", asset.ErrPermanentInput, info.ContentType, contentTypePrefix)
			}
			outputs["size"] = strconv.FormatInt(info.Size, 10)
			outputs["content_type"] = info.ContentType
			outputs["etag"] = info.ETag
			return nil
		},
	}
}

func ChecksumStep(objects ObjectStore) Step {
	return Step{
		Name: "checksum",
		Run: func(ctx context.Context, input asset.PipelineInput, outputs map[string]string) error {
			r, err := objects.Open(ctx, input.Bucket, input.ObjectKey)
			if err != nil {
				return err
			}
			defer r.Close()

			h := sha256.New()
			if _, err := io.Copy(h, r); err != nil {
				return asset.Transient("read object", err)
			}
			outputs["sha256"] = hex.EncodeToString(h.Sum(nil))
			return nil
		},
	}
}
