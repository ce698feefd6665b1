package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/scrape_agent/internal/queue"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
)

func registerSnapshotHandlers(api huma.API, svc Service) {
	type listSnapshotsOutput struct {
		Body struct {
			Snapshots []snapshot.SnapshotMeta `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-snapshots", Method: http.MethodGet, Path: "/api/v1/snapshots", Summary: "List page snapshots", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *domainInput) (*listSnapshotsOutput, error) {
			metas, err := svc.ListSnapshots(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listSnapshotsOutput{}
			out.Body.Snapshots = nonNil(metas)
			return out, nil
		})

	type snapshotIDInput struct {
		SnapshotID string `path:"snapshot_id"`
	}
	type getSnapshotOutput struct {
		Body snapshot.SnapshotMeta
	}
	huma.Register(api, huma.Operation{OperationID: "get-snapshot-metadata", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Get snapshot metadata", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*getSnapshotOutput, error) {
			meta, err := svc.GetSnapshot(ctx, input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &getSnapshotOutput{Body: meta}, nil
		})

	type snapshotContentOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot-content",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshots/{snapshot_id}/content",
		Summary:     "Get snapshot content",
		Tags:        []string{"Snapshots"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Screenshot PNG or captured HTML",
				Content: map[string]*huma.MediaType{
					"image/png": {Schema: &huma.Schema{Type: "string", Format: "binary"}},
					"text/html": {Schema: &huma.Schema{Type: "string"}},
				},
			},
		},
	}, func(ctx context.Context, input *snapshotIDInput) (*snapshotContentOutput, error) {
		data, contentType, err := svc.ReadSnapshot(ctx, input.SnapshotID)
		if err != nil {
			return nil, mapErr(err)
		}
		return &snapshotContentOutput{ContentType: contentType, Body: data}, nil
	})

	type deleteSnapshotOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-snapshot", Method: http.MethodDelete, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Delete snapshot", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *snapshotIDInput) (*deleteSnapshotOutput, error) {
			if err := svc.DeleteSnapshot(ctx, input.SnapshotID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteSnapshotOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}

func registerQueueHandlers(api huma.API, svc Service) {
	type queueAddOutput struct {
		Body struct {
			Added int `json:"added"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "queue-add", Method: http.MethodPost, Path: "/api/v1/queue", Summary: "Queue URLs for sequential navigation", Tags: []string{"Queue"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URLs []string `json:"urls" doc:"URLs visited one after another"`
			}
		}) (*queueAddOutput, error) {
			n, err := svc.QueueAdd(ctx, input.Body.URLs)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &queueAddOutput{}
			out.Body.Added = n
			return out, nil
		})

	type queueStatusOutput struct {
		Body queue.Report
	}
	huma.Register(api, huma.Operation{OperationID: "queue-status", Method: http.MethodGet, Path: "/api/v1/queue", Summary: "Navigation queue status", Tags: []string{"Queue"}},
		func(ctx context.Context, input *struct{}) (*queueStatusOutput, error) {
			st, err := svc.QueueStatus(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			if st.Items == nil {
				st.Items = []queue.Item{}
			}
			return &queueStatusOutput{Body: st}, nil
		})

	type queueClearOutput struct {
		Body struct {
			Dropped int `json:"dropped"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "queue-clear", Method: http.MethodDelete, Path: "/api/v1/queue", Summary: "Drop pending queued URLs", Tags: []string{"Queue"}},
		func(ctx context.Context, input *struct{}) (*queueClearOutput, error) {
			n, err := svc.QueueClear(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &queueClearOutput{}
			out.Body.Dropped = n
			return out, nil
		})
}
