// Package controller composes the capture components behind the operations the
// HTTP API and CLI expose.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/eventstore"
	"github.com/dgnsrekt/scrape_agent/internal/live"
	"github.com/dgnsrekt/scrape_agent/internal/queue"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/tabs"
	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	defaultFeedLimit = 100
	maxLimit         = 5000
)

// ChannelState reports the upstream channel connection.
type ChannelState interface {
	State() string
}

// Deps are the components a Service reads from and drives. Queue and Channel
// are optional.
type Deps struct {
	Tracker  *tracker.Tracker
	Pipeline *capture.Pipeline
	Registry *tabs.Registry
	Store    *eventstore.Store
	Snaps    *snapshot.Store
	Live     *live.Broker
	Queue    *queue.Queue
	Channel  ChannelState
}

// Service wraps the agent's query and command operations.
type Service struct {
	d       Deps
	started time.Time
}

func NewService(d Deps) *Service {
	return &Service{d: d, started: time.Now()}
}

// Status is the agent health summary.
type Status struct {
	Channel          string `json:"channel"`
	TrackedTabs      int    `json:"trackedTabs"`
	InFlightRequests int    `json:"inFlightRequests"`
	ActiveWebSockets int    `json:"activeWebSockets"`
	LiveClients      int    `json:"liveClients"`
	LiveDropped      int64  `json:"liveDropped"`
	QueuePending     int    `json:"queuePending"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
}

func validation(msg string) error {
	return &tracker.CodedError{Code: tracker.CodeValidation, Message: msg}
}

func notFound(msg string) error {
	return &tracker.CodedError{Code: tracker.CodeNotFound, Message: msg}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return validation(fieldName + " is required")
	}
	return nil
}

// normalizeDomain lowercases a domain query and drops a leading "www." the
// same way captured events are keyed.
func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(d, "www.")
}

func clampLimit(limit, def int) (int, error) {
	switch {
	case limit < 0:
		return 0, validation("limit must be non-negative")
	case limit == 0:
		return def, nil
	case limit > maxLimit:
		return maxLimit, nil
	}
	return limit, nil
}

func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Channel:          "disabled",
		TrackedTabs:      s.d.Registry.TrackedCount(),
		InFlightRequests: s.d.Pipeline.Correlator().Len(),
		ActiveWebSockets: s.d.Pipeline.ActiveWebSockets(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	}
	if s.d.Channel != nil {
		st.Channel = s.d.Channel.State()
	}
	if s.d.Live != nil {
		st.LiveClients = s.d.Live.ClientCount()
		st.LiveDropped = s.d.Live.Dropped()
	}
	if s.d.Queue != nil {
		st.QueuePending = s.d.Queue.Status().Pending
	}
	return st
}

// --- Query methods ---

func (s *Service) Domains(ctx context.Context) ([]string, error) {
	return s.d.Store.Domains(ctx)
}

func (s *Service) Responses(ctx context.Context, domain string, limit int) ([]types.Event, error) {
	limit, err := clampLimit(limit, maxLimit)
	if err != nil {
		return nil, err
	}
	return s.d.Store.Responses(ctx, normalizeDomain(domain), limit)
}

func (s *Service) Endpoints(ctx context.Context, domain string) ([]eventstore.Endpoint, error) {
	return s.d.Store.Endpoints(ctx, normalizeDomain(domain))
}

func (s *Service) Intel(ctx context.Context, domain string) (*eventstore.Intel, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return nil, err
	}
	return s.d.Store.Intel(ctx, normalizeDomain(domain))
}

func (s *Service) BearerTokens(ctx context.Context, domain string) ([]eventstore.BearerToken, error) {
	return s.d.Store.BearerTokens(ctx, normalizeDomain(domain))
}

func (s *Service) TaskTokens(ctx context.Context, domain string) ([]eventstore.TaskTokenRecord, error) {
	return s.d.Store.TaskTokens(ctx, normalizeDomain(domain))
}

func (s *Service) DOMMaps(ctx context.Context, domain string) ([]types.Event, error) {
	return s.d.Store.DOMMaps(ctx, normalizeDomain(domain))
}

func (s *Service) LatestDOMMap(ctx context.Context, domain, urlContains string) (*types.DOMMap, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return nil, err
	}
	dm, err := s.d.Store.LatestDOMMap(ctx, normalizeDomain(domain), strings.TrimSpace(urlContains))
	if err != nil {
		return nil, err
	}
	if dm == nil {
		return nil, notFound("no dom map captured for " + normalizeDomain(domain))
	}
	return dm, nil
}

func (s *Service) AuthCookies(ctx context.Context, domain string) ([]types.Event, error) {
	return s.d.Store.AuthCookies(ctx, normalizeDomain(domain))
}

func (s *Service) SessionCookies(ctx context.Context, domain string) ([]types.Cookie, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return nil, err
	}
	return s.d.Store.SessionCookies(ctx, normalizeDomain(domain))
}

func (s *Service) LocalStorage(ctx context.Context, domain string) (*eventstore.StorageData, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return nil, err
	}
	return s.d.Store.LocalStorage(ctx, normalizeDomain(domain))
}

func (s *Service) Fingerprint(ctx context.Context, domain string) (map[string]any, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return nil, err
	}
	fp, err := s.d.Store.Fingerprint(ctx, normalizeDomain(domain))
	if err != nil {
		return nil, err
	}
	if fp == nil {
		return nil, notFound("no fingerprint captured for " + normalizeDomain(domain))
	}
	return fp, nil
}

func (s *Service) Feed(ctx context.Context, domain string, limit int) ([]types.Event, error) {
	limit, err := clampLimit(limit, defaultFeedLimit)
	if err != nil {
		return nil, err
	}
	return s.d.Store.Recent(ctx, normalizeDomain(domain), limit)
}

func (s *Service) Stats(ctx context.Context) (map[string]eventstore.TypeStats, error) {
	return s.d.Store.Stats(ctx)
}

// ClearDomain deletes the persisted events of one domain. Live tab counters
// and in-flight requests are left alone.
func (s *Service) ClearDomain(ctx context.Context, domain string) (int64, error) {
	if err := s.requireNonEmpty(domain, "domain"); err != nil {
		return 0, err
	}
	return s.d.Store.ClearDomain(ctx, normalizeDomain(domain))
}

// --- Tab methods ---

func (s *Service) Tabs(ctx context.Context) []types.TabSnapshot {
	return s.d.Registry.List()
}

func (s *Service) Tab(ctx context.Context, tabID string) (types.TabSnapshot, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return types.TabSnapshot{}, err
	}
	snap, ok := s.d.Registry.Snapshot(strings.TrimSpace(tabID))
	if !ok {
		return types.TabSnapshot{}, &tracker.CodedError{Code: tracker.CodeTabNotFound, Message: "unknown tab: " + tabID}
	}
	return snap, nil
}

// --- Command methods ---

func (s *Service) Execute(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error) {
	if err := s.requireNonEmpty(cmd.Command, "command"); err != nil {
		return tracker.CommandResult{}, err
	}
	return s.d.Tracker.Execute(ctx, cmd)
}

func (s *Service) Navigate(ctx context.Context, url string) (tracker.CommandResult, error) {
	return s.Execute(ctx, tracker.Command{Command: tracker.CmdNavigate, URL: url})
}

// --- Snapshot methods ---

func (s *Service) ListSnapshots(ctx context.Context, domain string) ([]snapshot.SnapshotMeta, error) {
	return s.d.Snaps.List(normalizeDomain(domain))
}

func (s *Service) GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return snapshot.SnapshotMeta{}, err
	}
	meta, err := s.d.Snaps.Get(strings.TrimSpace(id))
	if err != nil {
		return snapshot.SnapshotMeta{}, notFound(err.Error())
	}
	return meta, nil
}

func (s *Service) ReadSnapshot(ctx context.Context, id string) ([]byte, string, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return nil, "", err
	}
	data, meta, err := s.d.Snaps.ReadContent(strings.TrimSpace(id))
	if err != nil {
		return nil, "", notFound(err.Error())
	}
	return data, meta.ContentType(), nil
}

func (s *Service) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return err
	}
	if err := s.d.Snaps.Delete(strings.TrimSpace(id)); err != nil {
		return notFound(err.Error())
	}
	return nil
}

// --- Queue methods ---

func (s *Service) requireQueue() error {
	if s.d.Queue == nil {
		return &tracker.CodedError{Code: tracker.CodeHostUnavailable, Message: "navigation queue is disabled"}
	}
	return nil
}

func (s *Service) QueueAdd(ctx context.Context, urls []string) (int, error) {
	if err := s.requireQueue(); err != nil {
		return 0, err
	}
	if len(urls) == 0 {
		return 0, validation("urls is required")
	}
	for i, u := range urls {
		if err := s.requireNonEmpty(u, fmt.Sprintf("urls[%d]", i)); err != nil {
			return 0, err
		}
	}
	return s.d.Queue.Add(urls...), nil
}

func (s *Service) QueueStatus(ctx context.Context) (queue.Report, error) {
	if err := s.requireQueue(); err != nil {
		return queue.Report{}, err
	}
	return s.d.Queue.Status(), nil
}

func (s *Service) QueueClear(ctx context.Context) (int, error) {
	if err := s.requireQueue(); err != nil {
		return 0, err
	}
	return s.d.Queue.Clear(), nil
}
