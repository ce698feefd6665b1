package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/scrape_agent/internal/controller"
	"github.com/dgnsrekt/scrape_agent/internal/eventstore"
	"github.com/dgnsrekt/scrape_agent/internal/live"
	"github.com/dgnsrekt/scrape_agent/internal/queue"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

type Service interface {
	Status(ctx context.Context) controller.Status
	Domains(ctx context.Context) ([]string, error)
	Responses(ctx context.Context, domain string, limit int) ([]types.Event, error)
	Endpoints(ctx context.Context, domain string) ([]eventstore.Endpoint, error)
	Intel(ctx context.Context, domain string) (*eventstore.Intel, error)
	BearerTokens(ctx context.Context, domain string) ([]eventstore.BearerToken, error)
	TaskTokens(ctx context.Context, domain string) ([]eventstore.TaskTokenRecord, error)
	DOMMaps(ctx context.Context, domain string) ([]types.Event, error)
	LatestDOMMap(ctx context.Context, domain, urlContains string) (*types.DOMMap, error)
	AuthCookies(ctx context.Context, domain string) ([]types.Event, error)
	SessionCookies(ctx context.Context, domain string) ([]types.Cookie, error)
	LocalStorage(ctx context.Context, domain string) (*eventstore.StorageData, error)
	Fingerprint(ctx context.Context, domain string) (map[string]any, error)
	Feed(ctx context.Context, domain string, limit int) ([]types.Event, error)
	Stats(ctx context.Context) (map[string]eventstore.TypeStats, error)
	ClearDomain(ctx context.Context, domain string) (int64, error)
	Tabs(ctx context.Context) []types.TabSnapshot
	Tab(ctx context.Context, tabID string) (types.TabSnapshot, error)
	Execute(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error)
	Navigate(ctx context.Context, url string) (tracker.CommandResult, error)
	ListSnapshots(ctx context.Context, domain string) ([]snapshot.SnapshotMeta, error)
	GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error)
	ReadSnapshot(ctx context.Context, id string) ([]byte, string, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Find(ctx context.Context, domain, selector string, limit int) (*controller.FindResult, error)
	QueueAdd(ctx context.Context, urls []string) (int, error)
	QueueStatus(ctx context.Context) (queue.Report, error)
	QueueClear(ctx context.Context) (int, error)
}

type domainInput struct {
	Domain string `query:"domain" doc:"Domain (host without leading www.). Omit for all domains."`
}

type requiredDomainInput struct {
	Domain string `query:"domain" required:"true" doc:"Domain (host without leading www.)"`
}

// NewServer builds the HTTP handler. broker may be nil, in which case the live
// stream endpoint is not mounted.
func NewServer(svc Service, broker *live.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Scrape Agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/live", live.SSEHandler(broker))
	}

	registerQueryHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerSnapshotHandlers(api, svc)
	registerQueueHandlers(api, svc)

	return withCORS(router)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *tracker.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case tracker.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case tracker.CodeTabNotFound, tracker.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case tracker.CodeAttachFailed:
			return huma.Error409Conflict(coded.Message)
		case tracker.CodeHostUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
