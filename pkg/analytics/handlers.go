package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/bosslabs/pulse/pkg/async"
	"github.com/bosslabs/pulse/pkg/httputil"
	"github.com/bosslabs/pulse/pkg/observability"
	"github.com/bosslabs/pulse/pkg/storage"
)

// Service exposes the analytics pipeline over HTTP.
type Service struct {
	collector *Collector
	events    *EventStore
	sessions  *SessionStore
	metrics   *MetricsStore
	notifier  *Notifier
	cache     *storage.StatsCache

	logger *observability.Logger
	om     *observability.Metrics
}

// NewService creates the HTTP service. cache may be nil when the stats
// cache is disabled.
func NewService(collector *Collector, events *EventStore, sessions *SessionStore,
	metrics *MetricsStore, notifier *Notifier, cache *storage.StatsCache,
	logger *observability.Logger, om *observability.Metrics) *Service {
	return &Service{
		collector: collector,
		events:    events,
		sessions:  sessions,
		metrics:   metrics,
		notifier:  notifier,
		cache:     cache,
		logger:    logger,
		om:        om,
	}
}

// RegisterRoutes mounts all analytics endpoints under /api/v1/analytics.
func (s *Service) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1/analytics").Subrouter()

	api.HandleFunc("/track", s.handleTrackEvent).Methods(http.MethodPost)
	api.HandleFunc("/track/navigation", s.handleTrackNavigation).Methods(http.MethodPost)
	api.HandleFunc("/track/click", s.handleTrackClick).Methods(http.MethodPost)
	api.HandleFunc("/track/api-call", s.handleTrackAPICall).Methods(http.MethodPost)
	api.HandleFunc("/track/error", s.handleTrackError).Methods(http.MethodPost)
	api.HandleFunc("/performance", s.handleTrackPerformance).Methods(http.MethodPost)
	api.HandleFunc("/service-usage", s.handleTrackServiceUsage).Methods(http.MethodPost)

	api.HandleFunc("/session/start", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/session/end", s.handleEndSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}", s.handleGetSession).Methods(http.MethodGet)

	api.HandleFunc("/users/{userId}/stats", s.handleUserStats).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/events", s.handleUserEvents).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/sessions", s.handleUserSessions).Methods(http.MethodGet)

	api.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/services/{serviceName}", s.handleServiceAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/performance/averages", s.handlePerformanceAverages).Methods(http.MethodGet)
	api.HandleFunc("/aggregates", s.handleAggregates).Methods(http.MethodGet)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)

	api.HandleFunc("/stream/{userId}", s.handleStream).Methods(http.MethodGet)
}

func (s *Service) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req TrackEventRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	event, err := s.collector.TrackEvent(r.Context(), req.Event(clientIP(r), r.UserAgent()))
	if err != nil {
		s.logger.FromContext(r.Context()).WithError(err).Error("Failed to track event")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, event)
}

func (s *Service) handleTrackNavigation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		FromPage  string `json:"from_page"`
		ToPage    string `json:"to_page"`
		SessionID string `json:"session_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ToPage == "" {
		httputil.WriteBadRequest(w, "user_id and to_page are required")
		return
	}

	event, err := s.collector.TrackNavigation(r.Context(), req.UserID, req.FromPage, req.ToPage, req.SessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, event)
}

func (s *Service) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		ElementID   string `json:"element_id"`
		ElementType string `json:"element_type"`
		PageURL     string `json:"page_url,omitempty"`
		SessionID   string `json:"session_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ElementID == "" {
		httputil.WriteBadRequest(w, "user_id and element_id are required")
		return
	}

	event, err := s.collector.TrackClick(r.Context(), req.UserID, req.ElementID, req.ElementType, req.PageURL, req.SessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, event)
}

func (s *Service) handleTrackAPICall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string  `json:"user_id"`
		ServiceName string  `json:"service_name"`
		Method      string  `json:"method"`
		Endpoint    string  `json:"endpoint"`
		StatusCode  int     `json:"status_code"`
		DurationMs  float64 `json:"duration_ms"`
		SessionID   string  `json:"session_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ServiceName == "" || req.Endpoint == "" {
		httputil.WriteBadRequest(w, "user_id, service_name and endpoint are required")
		return
	}

	event, err := s.collector.TrackAPICall(r.Context(), req.UserID, req.ServiceName, req.Method, req.Endpoint, req.StatusCode, req.DurationMs, req.SessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, event)
}

func (s *Service) handleTrackError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		ServiceName  string `json:"service_name"`
		ErrorType    string `json:"error_type"`
		ErrorMessage string `json:"error_message"`
		SessionID    string `json:"session_id,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ServiceName == "" || req.ErrorType == "" {
		httputil.WriteBadRequest(w, "user_id, service_name and error_type are required")
		return
	}

	event, err := s.collector.TrackError(r.Context(), req.UserID, req.ServiceName, req.ErrorType, req.ErrorMessage, req.SessionID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, event)
}

func (s *Service) handleTrackPerformance(w http.ResponseWriter, r *http.Request) {
	var req TrackPerformanceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	metric, err := s.collector.TrackPerformance(r.Context(), req.Metric())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, metric)
}

func (s *Service) handleTrackServiceUsage(w http.ResponseWriter, r *http.Request) {
	var req TrackServiceUsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	usage, err := s.collector.TrackServiceUsage(r.Context(), req.Usage())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, usage)
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	session, err := s.collector.StartSession(r.Context(), req.SessionID, req.UserID, clientIP(r), r.UserAgent())
	if err != nil {
		s.logger.FromContext(r.Context()).WithError(err).Error("Failed to start session")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, session)
}

func (s *Service) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	session, err := s.collector.EndSession(r.Context(), req.SessionID)
	switch {
	case err == nil:
		httputil.WriteSuccess(w, session)
	case IsNotFound(err):
		httputil.WriteNotFound(w, "session not found")
	case err == ErrSessionEnded:
		httputil.WriteConflict(w, "session already ended")
	default:
		httputil.WriteInternalError(w, err)
	}
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := httputil.ParsePathStringOrError(w, r, "sessionId")
	if !ok {
		return
	}

	session, err := s.collector.GetSession(r.Context(), sessionID)
	if err != nil {
		if IsNotFound(err) {
			httputil.WriteNotFound(w, "session not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, session)
}

func (s *Service) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}

	stats, err := s.collector.GetUserStats(r.Context(), userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (s *Service) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	page, err := httputil.ParsePagination(r, 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.events.ListByUser(r.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	httputil.WriteSuccess(w, events)
}

func (s *Service) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}
	activeOnly, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var sessions []*Session
	if activeOnly {
		sessions, err = s.sessions.ListActiveByUser(r.Context(), userID)
	} else {
		var page httputil.Pagination
		page, err = httputil.ParsePagination(r, 100)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		sessions, err = s.sessions.ListByUser(r.Context(), userID, page.Limit, page.Offset)
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	httputil.WriteSuccess(w, sessions)
}

// DashboardStats is the combined overview served by /dashboard.
type DashboardStats struct {
	Events   []*EventStat  `json:"events"`
	Sessions *SessionStats `json:"sessions"`
	Usage    []*UsageStat  `json:"usage"`
}

func (s *Service) handleDashboard(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	cacheKey := storage.Key("dashboard", start, end)
	if s.cache != nil {
		var cached DashboardStats
		if s.cache.Get(r.Context(), cacheKey, &cached) {
			httputil.WriteSuccess(w, cached)
			return
		}
	}

	var stats DashboardStats
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		stats.Events, err = s.events.Stats(ctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		stats.Sessions, err = s.sessions.Stats(ctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		stats.Usage, err = s.metrics.UsageStats(ctx, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if stats.Events == nil {
		stats.Events = []*EventStat{}
	}
	if stats.Usage == nil {
		stats.Usage = []*UsageStat{}
	}

	if s.cache != nil {
		// Off the request path; a slow redis must not delay the response.
		async.SafeGoNoError(context.Background(), 2*time.Second, "dashboard cache write", s.logger,
			func(ctx context.Context) {
				s.cache.Set(ctx, cacheKey, stats)
			})
	}

	httputil.WriteSuccess(w, stats)
}

// ServiceAnalytics is the per-service view served by
// /services/{serviceName}.
type ServiceAnalytics struct {
	ServiceName     string          `json:"service_name"`
	TotalUsers      int64           `json:"total_users"`
	TotalCalls      int64           `json:"total_calls"`
	TotalRevenueBT  float64         `json:"total_revenue_bt"`
	AvgResponseTime float64         `json:"avg_response_time"`
	ErrorRate       float64         `json:"error_rate"`
	RecentUsage     []*ServiceUsage `json:"recent_usage"`
	RecentEvents    []*Event        `json:"recent_events"`
}

func (s *Service) handleServiceAnalytics(w http.ResponseWriter, r *http.Request) {
	serviceName, ok := httputil.ParsePathStringOrError(w, r, "serviceName")
	if !ok {
		return
	}
	start, end, err := parseDateRange(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := s.metrics.UsageStats(r.Context(), start, end)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	var stat *UsageStat
	for _, st := range stats {
		if st.ServiceName == serviceName {
			stat = st
			break
		}
	}
	if stat == nil {
		httputil.WriteNotFound(w, "service not found")
		return
	}

	recentUsage, err := s.metrics.ListUsage(r.Context(), UsageFilter{
		ServiceName: serviceName, Start: start, End: end, Limit: 20,
	})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	recentEvents, err := s.events.ListByService(r.Context(), serviceName, 20, 0)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if recentUsage == nil {
		recentUsage = []*ServiceUsage{}
	}
	if recentEvents == nil {
		recentEvents = []*Event{}
	}

	httputil.WriteSuccess(w, &ServiceAnalytics{
		ServiceName:     serviceName,
		TotalUsers:      stat.UniqueUsers,
		TotalCalls:      stat.TotalCalls,
		TotalRevenueBT:  stat.TotalCostBT,
		AvgResponseTime: stat.AvgDurationMs,
		ErrorRate:       1 - stat.SuccessRate,
		RecentUsage:     recentUsage,
		RecentEvents:    recentEvents,
	})
}

func (s *Service) handlePerformanceAverages(w http.ResponseWriter, r *http.Request) {
	metricType := httputil.ParseQueryString(r, "metric_type", "")
	if metricType == "" {
		httputil.WriteBadRequest(w, "metric_type is required")
		return
	}
	start, end, err := parseDateRange(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	averages, err := s.metrics.Averages(r.Context(), metricType, start, end)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if averages == nil {
		averages = []*MetricAverage{}
	}
	httputil.WriteSuccess(w, averages)
}

func (s *Service) handleAggregates(w http.ResponseWriter, r *http.Request) {
	filter := AggregateFilter{
		MetricDate:  httputil.ParseQueryString(r, "date", ""),
		UserID:      httputil.ParseQueryString(r, "user_id", ""),
		ServiceName: httputil.ParseQueryString(r, "service_name", ""),
	}
	if hourlyStr := httputil.ParseQueryString(r, "hourly", ""); hourlyStr != "" {
		hourly, err := strconv.ParseBool(hourlyStr)
		if err != nil {
			httputil.WriteBadRequest(w, "invalid hourly value")
			return
		}
		filter.Hourly = &hourly
	}
	page, err := httputil.ParsePagination(r, 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.Limit = page.Limit
	filter.Offset = page.Offset

	aggregates, err := s.metrics.ListAggregates(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if aggregates == nil {
		aggregates = []*AggregatedMetric{}
	}
	httputil.WriteSuccess(w, aggregates)
}

// handleExport streams raw rows for a date range as one JSON document.
// Intended for offline analysis, not high-volume extraction.
func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if start == 0 || end == 0 {
		httputil.WriteBadRequest(w, "start and end are required")
		return
	}
	page, err := httputil.ParsePagination(r, 1000)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.events.ListByDateRange(r.Context(), start, end, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	sessions, err := s.sessions.ListByDateRange(r.Context(), start, end, page.Limit, page.Offset)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	usage, err := s.metrics.ListUsage(r.Context(), UsageFilter{
		Start: start, End: end, Limit: page.Limit, Offset: page.Offset,
	})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"start":    start,
		"end":      end,
		"events":   events,
		"sessions": sessions,
		"usage":    usage,
	})
}

// handleStream serves the per-user real-time feed over server-sent
// events. Each update is one SSE data frame.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.notifier.Subscribe(userID)
	defer s.notifier.Unsubscribe(sub)

	// Heartbeat keeps intermediaries from closing the idle stream.
	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case update, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				s.logger.WithError(err).Warn("Failed to encode update")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// parseDateRange reads optional start and end epoch-second query
// parameters.
func parseDateRange(r *http.Request) (int64, int64, error) {
	start, err := httputil.ParseQueryInt64(r, "start", 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := httputil.ParseQueryInt64(r, "end", 0)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// clientIP extracts the originating client address, preferring proxy
// headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
