package pipelines

import (
	"context"
	"fmt"
	"time"

	"assetflow/internal/asset"
	"assetflow/internal/job"
	"assetflow/internal/scheduler"
)

// ProcessedRow is one row of data_processing_asset.
type ProcessedRow struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type Summary struct {
	RowCount int      `json:"row_count"`
	Columns  []string `json:"columns"`
	Summary  string   `json:"summary"`
}

// Example is the greeting pipeline: hello_world_asset feeds
// data_processing_asset, which feeds summary_asset. all_assets_job runs
// everything daily at midnight.
func Example(env Env) Definitions {
	return Definitions{
		Assets: []asset.Definition{
			{
				Name:        "hello_world_asset",
				Description: "A simple asset that returns a greeting.",
				OutputType:  "string",
				Compute: func(context.Context, asset.Inputs) (any, error) {
					return fmt.Sprintf("Hello from assetflow! Current time: %s", env.now().Format(time.RFC3339)), nil
				},
			},
			{
				Name:        "data_processing_asset",
				Deps:        []string{"hello_world_asset"},
				Description: "Wraps the greeting in a one-row table.",
				OutputType:  "[]pipelines.ProcessedRow",
				Compute: func(_ context.Context, in asset.Inputs) (any, error) {
					msg, err := asset.Input[string](in, "hello_world_asset")
					if err != nil {
						return nil, err
					}
					return []ProcessedRow{{Message: msg, Timestamp: env.now(), Status: "success"}}, nil
				},
			},
			{
				Name:        "summary_asset",
				Deps:        []string{"data_processing_asset"},
				Description: "Summarizes the processed table.",
				OutputType:  "pipelines.Summary",
				Compute: func(_ context.Context, in asset.Inputs) (any, error) {
					rows, err := asset.Input[[]ProcessedRow](in, "data_processing_asset")
					if err != nil {
						return nil, err
					}
					return Summary{
						RowCount: len(rows),
						Columns:  []string{"message", "timestamp", "status"},
						Summary:  "Pipeline completed successfully",
					}, nil
				},
			},
		},
		Jobs:      []job.Job{job.MustNew("all_assets_job", "*")},
		Schedules: []scheduler.Schedule{mustSchedule("all_assets_job", "0 0 * * *")},
	}
}
