package pipelines

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"assetflow/internal/asset"
	"assetflow/internal/job"
	"assetflow/internal/logging"
	"assetflow/internal/storage"
)

const (
	CustomObjectKey     = "custom/example-file.txt"
	customObjectContent = "This is custom content written directly to object storage"
)

type RawData struct {
	Values   []int             `json:"values"`
	Metadata map[string]string `json:"metadata"`
}

type ProcessedData struct {
	Sum      int               `json:"sum"`
	Count    int               `json:"count"`
	Mean     float64           `json:"mean"`
	Metadata map[string]string `json:"metadata"`
}

type ComputedResult struct {
	InputMean      float64 `json:"input_mean"`
	ComputedValue  float64 `json:"computed_value"`
	ComputeBackend string  `json:"compute_backend"`
	Status         string  `json:"status"`
}

// S3Example is the object-storage pipeline: raw_data -> processed_data ->
// modal_computed_asset, plus custom_s3_asset which writes a side object to
// the backend directly and returns its URL.
func S3Example(env Env) Definitions {
	return Definitions{
		Assets: []asset.Definition{
			{
				Name:        "raw_data",
				Description: "Generate sample data and store it in object storage.",
				OutputType:  "pipelines.RawData",
				Compute: func(ctx context.Context, _ asset.Inputs) (any, error) {
					values := make([]int, 100)
					for i := range values {
						values[i] = i
					}
					logging.FromContext(ctx).Info("generated raw data", zap.Int("points", len(values)))
					return RawData{
						Values:   values,
						Metadata: map[string]string{"source": "example", "version": "1.0"},
					}, nil
				},
			},
			{
				Name:        "processed_data",
				Deps:        []string{"raw_data"},
				Description: "Process raw data.",
				OutputType:  "pipelines.ProcessedData",
				Compute: func(ctx context.Context, in asset.Inputs) (any, error) {
					raw, err := asset.Input[RawData](in, "raw_data")
					if err != nil {
						return nil, err
					}
					if len(raw.Values) == 0 {
						return nil, errors.New("raw_data has no values")
					}
					sum := 0
					for _, v := range raw.Values {
						sum += v
					}
					out := ProcessedData{
						Sum:      sum,
						Count:    len(raw.Values),
						Mean:     float64(sum) / float64(len(raw.Values)),
						Metadata: raw.Metadata,
					}
					logging.FromContext(ctx).Info("processed values", zap.Int("count", out.Count), zap.Float64("mean", out.Mean))
					return out, nil
				},
			},
			{
				Name:        "modal_computed_asset",
				Deps:        []string{"processed_data"},
				Description: "Compute-intensive step tagged with its remote backend.",
				OutputType:  "pipelines.ComputedResult",
				Compute: func(ctx context.Context, in asset.Inputs) (any, error) {
					p, err := asset.Input[ProcessedData](in, "processed_data")
					if err != nil {
						return nil, err
					}
					return ComputedResult{
						InputMean:      p.Mean,
						ComputedValue:  p.Mean * 2,
						ComputeBackend: "modal",
						Status:         "success",
					}, nil
				},
			},
			{
				Name:        "custom_s3_asset",
				Description: "Write custom data directly to object storage.",
				OutputType:  "string",
				Compute: func(ctx context.Context, _ asset.Inputs) (any, error) {
					if env.Backend == nil {
						return nil, errors.New("no storage backend configured")
					}
					url := storage.ObjectURL(env.Backend, CustomObjectKey)
					logging.FromContext(ctx).Info("writing custom object", zap.String("url", url))
					if err := env.Backend.Put(ctx, CustomObjectKey, []byte(customObjectContent)); err != nil {
						return nil, fmt.Errorf("write %s: %w", url, err)
					}
					return url, nil
				},
			},
		},
		Jobs: []job.Job{job.MustNew("s3_assets_job", "raw_data*", "custom_s3_asset")},
	}
}
