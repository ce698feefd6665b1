package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func registerTabHandlers(api huma.API, svc Service) {
	type tabsOutput struct {
		Body struct {
			Tabs []types.TabSnapshot `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tab sessions", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = nonNil(svc.Tabs(ctx))
			return out, nil
		})

	type tabOutput struct {
		Body types.TabSnapshot
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Get one tab session with recent events", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
		}) (*tabOutput, error) {
			snap, err := svc.Tab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabOutput{Body: snap}, nil
		})

	type commandOutput struct {
		Body tracker.CommandResult
	}
	huma.Register(api, huma.Operation{OperationID: "execute-command", Method: http.MethodPost, Path: "/api/v1/commands", Summary: "Execute an agent command",
		Description: "Commands: navigate, track, untrack, dommap, fingerprint, get_cookies, get_storage, get_html, screenshot, ping.", Tags: []string{"Commands"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Command string `json:"command" doc:"Command name" example:"track"`
				URL     string `json:"url,omitempty" doc:"Target URL for navigate, cookie URL for get_cookies"`
				TabID   string `json:"tabId,omitempty" doc:"Target tab. Omit to use the active or first tracked tab."`
			}
		}) (*commandOutput, error) {
			res, err := svc.Execute(ctx, tracker.Command{Command: input.Body.Command, URL: input.Body.URL, TabID: input.Body.TabID})
			if err != nil {
				return nil, mapErr(err)
			}
			return &commandOutput{Body: res}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/navigate", Summary: "Open a URL in a new tracked tab", Tags: []string{"Commands"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL string `json:"url" doc:"Absolute http(s) URL" example:"https://example.com/"`
			}
		}) (*commandOutput, error) {
			res, err := svc.Navigate(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &commandOutput{Body: res}, nil
		})
}
