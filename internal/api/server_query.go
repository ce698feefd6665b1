package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/scrape_agent/internal/controller"
	"github.com/dgnsrekt/scrape_agent/internal/eventstore"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func registerQueryHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body controller.Status
	}
	huma.Register(api, huma.Operation{OperationID: "status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Agent status", Description: "Channel state, tracked tabs, in-flight requests and live stream clients.", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status(ctx)}, nil
		})

	type domainsOutput struct {
		Body struct {
			Domains []string `json:"domains"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-domains", Method: http.MethodGet, Path: "/api/v1/domains", Summary: "List captured domains", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct{}) (*domainsOutput, error) {
			domains, err := svc.Domains(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &domainsOutput{}
			out.Body.Domains = nonNil(domains)
			return out, nil
		})

	type clearOutput struct {
		Body struct {
			Domain  string `json:"domain"`
			Deleted int64  `json:"deleted"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "clear-domain", Method: http.MethodDelete, Path: "/api/v1/domains/{domain}", Summary: "Delete persisted events of a domain", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct {
			Domain string `path:"domain"`
		}) (*clearOutput, error) {
			n, err := svc.ClearDomain(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &clearOutput{}
			out.Body.Domain = input.Domain
			out.Body.Deleted = n
			return out, nil
		})

	type eventsOutput struct {
		Body struct {
			Events []types.Event `json:"events"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-responses", Method: http.MethodGet, Path: "/api/v1/responses", Summary: "List responses merged with bodies", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct {
			Domain string `query:"domain" doc:"Domain filter"`
			Limit  int    `query:"limit" doc:"Most recent N responses (0 = all, capped)"`
		}) (*eventsOutput, error) {
			events, err := svc.Responses(ctx, input.Domain, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &eventsOutput{}
			out.Body.Events = nonNil(events)
			return out, nil
		})

	type endpointsOutput struct {
		Body struct {
			Endpoints []eventstore.Endpoint `json:"endpoints"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-endpoints", Method: http.MethodGet, Path: "/api/v1/endpoints", Summary: "List flagged requests deduplicated by method and URL", Tags: []string{"Query"}},
		func(ctx context.Context, input *domainInput) (*endpointsOutput, error) {
			endpoints, err := svc.Endpoints(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &endpointsOutput{}
			out.Body.Endpoints = nonNil(endpoints)
			return out, nil
		})

	type intelOutput struct {
		Body *eventstore.Intel
	}
	huma.Register(api, huma.Operation{OperationID: "get-intel", Method: http.MethodGet, Path: "/api/v1/intel", Summary: "Domain intel summary", Description: "Bearer tokens, task tokens, auth cookies, endpoints and the latest DOM map for one domain.", Tags: []string{"Query"}},
		func(ctx context.Context, input *requiredDomainInput) (*intelOutput, error) {
			intel, err := svc.Intel(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			return &intelOutput{Body: intel}, nil
		})

	type tokensOutput struct {
		Body struct {
			Tokens []eventstore.BearerToken `json:"tokens"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tokens", Method: http.MethodGet, Path: "/api/v1/tokens", Summary: "List bearer tokens", Tags: []string{"Query"}},
		func(ctx context.Context, input *domainInput) (*tokensOutput, error) {
			tokens, err := svc.BearerTokens(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tokensOutput{}
			out.Body.Tokens = nonNil(tokens)
			return out, nil
		})

	type taskTokensOutput struct {
		Body struct {
			Tokens []eventstore.TaskTokenRecord `json:"tokens"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-task-tokens", Method: http.MethodGet, Path: "/api/v1/task-tokens", Summary: "List page task tokens", Tags: []string{"Query"}},
		func(ctx context.Context, input *domainInput) (*taskTokensOutput, error) {
			tokens, err := svc.TaskTokens(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &taskTokensOutput{}
			out.Body.Tokens = nonNil(tokens)
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-dommaps", Method: http.MethodGet, Path: "/api/v1/dommaps", Summary: "List DOM maps", Tags: []string{"Query"}},
		func(ctx context.Context, input *domainInput) (*eventsOutput, error) {
			events, err := svc.DOMMaps(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &eventsOutput{}
			out.Body.Events = nonNil(events)
			return out, nil
		})

	type domMapOutput struct {
		Body *types.DOMMap
	}
	huma.Register(api, huma.Operation{OperationID: "latest-dommap", Method: http.MethodGet, Path: "/api/v1/dommaps/latest", Summary: "Latest DOM map for a domain", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct {
			Domain      string `query:"domain" required:"true"`
			URLContains string `query:"url" doc:"Only pages whose URL contains this text"`
		}) (*domMapOutput, error) {
			dm, err := svc.LatestDOMMap(ctx, input.Domain, input.URLContains)
			if err != nil {
				return nil, mapErr(err)
			}
			return &domMapOutput{Body: dm}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-auth-cookies", Method: http.MethodGet, Path: "/api/v1/auth-cookies", Summary: "List auth cookie events", Tags: []string{"Query"}},
		func(ctx context.Context, input *domainInput) (*eventsOutput, error) {
			events, err := svc.AuthCookies(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &eventsOutput{}
			out.Body.Events = nonNil(events)
			return out, nil
		})

	type cookiesOutput struct {
		Body struct {
			Cookies []types.Cookie `json:"cookies"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "session-cookies", Method: http.MethodGet, Path: "/api/v1/session/cookies", Summary: "Distinct cookies seen for a domain", Tags: []string{"Session"}},
		func(ctx context.Context, input *requiredDomainInput) (*cookiesOutput, error) {
			cookies, err := svc.SessionCookies(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &cookiesOutput{}
			out.Body.Cookies = nonNil(cookies)
			return out, nil
		})

	type storageOutput struct {
		Body *eventstore.StorageData
	}
	huma.Register(api, huma.Operation{OperationID: "session-storage", Method: http.MethodGet, Path: "/api/v1/session/localstorage", Summary: "Merged web storage dumps for a domain", Tags: []string{"Session"}},
		func(ctx context.Context, input *requiredDomainInput) (*storageOutput, error) {
			data, err := svc.LocalStorage(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			return &storageOutput{Body: data}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "session-fingerprint", Method: http.MethodGet, Path: "/api/v1/session/fingerprint", Summary: "Latest browser fingerprint for a domain", Tags: []string{"Session"}},
		func(ctx context.Context, input *requiredDomainInput) (*struct{ Body map[string]any }, error) {
			fp, err := svc.Fingerprint(ctx, input.Domain)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body map[string]any }{Body: fp}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "feed", Method: http.MethodGet, Path: "/api/v1/feed", Summary: "Recent events in capture order", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct {
			Domain string `query:"domain"`
			Limit  int    `query:"limit" default:"100"`
		}) (*eventsOutput, error) {
			events, err := svc.Feed(ctx, input.Domain, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &eventsOutput{}
			out.Body.Events = nonNil(events)
			return out, nil
		})

	type statsOutput struct {
		Body struct {
			Types map[string]eventstore.TypeStats `json:"types"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Stored event counts by type", Tags: []string{"Query"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			stats, err := svc.Stats(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statsOutput{}
			out.Body.Types = stats
			if out.Body.Types == nil {
				out.Body.Types = map[string]eventstore.TypeStats{}
			}
			return out, nil
		})

	type findOutput struct {
		Body *controller.FindResult
	}
	huma.Register(api, huma.Operation{OperationID: "find", Method: http.MethodGet, Path: "/api/v1/find", Summary: "Search stored HTML snapshots with a CSS selector", Description: "Runs the selector over captured HTML pages, newest first. Read-only.", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			Selector string `query:"selector" required:"true" doc:"CSS selector"`
			Domain   string `query:"domain" doc:"Domain filter"`
			Limit    int    `query:"limit" doc:"Maximum matches (0 = default of 50)"`
		}) (*findOutput, error) {
			res, err := svc.Find(ctx, input.Domain, input.Selector, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			return &findOutput{Body: res}, nil
		})
}
