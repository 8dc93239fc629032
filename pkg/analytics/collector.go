package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bosslabs/pulse/pkg/observability"
)

// Collector is the single entry point for ingestion. It validates
// nothing itself; callers validate at the boundary. The collector owns
// the cross-store choreography: counter bumps, session bookkeeping and
// real-time fan-out.
//
// Secondary effects (counter increments, servicesUsed updates, fan-out)
// never fail the primary write. Store failures on the primary write
// propagate unchanged.
type Collector struct {
	events   *EventStore
	sessions *SessionStore
	metrics  *MetricsStore
	notifier *Notifier

	logger *observability.Logger
	om     *observability.Metrics
}

// NewCollector wires the stores and the notifier into a collector.
func NewCollector(events *EventStore, sessions *SessionStore, metrics *MetricsStore,
	notifier *Notifier, logger *observability.Logger, om *observability.Metrics) *Collector {
	return &Collector{
		events:   events,
		sessions: sessions,
		metrics:  metrics,
		notifier: notifier,
		logger:   logger,
		om:       om,
	}
}

// TrackEvent appends an event, bumps the owning session's event counter
// when a session is attached, and publishes a new_event update.
func (c *Collector) TrackEvent(ctx context.Context, event *Event) (*Event, error) {
	id, err := c.events.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	event.ID = id

	if c.om != nil {
		c.om.EventsIngestedTotal.WithLabelValues(string(event.EventType)).Inc()
	}

	if event.SessionID != "" {
		if err := c.sessions.IncrementEvents(ctx, event.SessionID, 1); err != nil {
			c.logger.WithError(err).WithField("session_id", event.SessionID).
				Warn("Failed to bump session event counter")
		}
		if event.EventType == EventTypeNavigation {
			if err := c.sessions.IncrementPageViews(ctx, event.SessionID, 1); err != nil {
				c.logger.WithError(err).WithField("session_id", event.SessionID).
					Warn("Failed to bump session page views")
			}
		}
	}

	c.notifier.Publish(event.UserID, UpdateNewEvent, event)

	return event, nil
}

// TrackPerformance records a performance sample and publishes a
// new_metric update when the sample is attributed to a user.
func (c *Collector) TrackPerformance(ctx context.Context, metric *PerformanceMetric) (*PerformanceMetric, error) {
	id, err := c.metrics.RecordPerformance(ctx, metric)
	if err != nil {
		return nil, err
	}
	metric.ID = id

	if c.om != nil {
		c.om.MetricsIngestedTotal.WithLabelValues(metric.MetricType).Inc()
	}

	if metric.UserID != "" {
		c.notifier.Publish(metric.UserID, UpdateNewMetric, metric)
	}

	return metric, nil
}

// TrackServiceUsage records a usage row, adds the service to the
// servicesUsed set of the user's active sessions, and publishes a
// service_usage update.
func (c *Collector) TrackServiceUsage(ctx context.Context, usage *ServiceUsage) (*ServiceUsage, error) {
	id, err := c.metrics.RecordUsage(ctx, usage)
	if err != nil {
		return nil, err
	}
	usage.ID = id

	if c.om != nil {
		c.om.UsageIngestedTotal.WithLabelValues(usage.ServiceName, fmt.Sprintf("%t", usage.Success)).Inc()
	}

	if _, err := c.sessions.AddServiceUsed(ctx, usage.UserID, usage.ServiceName); err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"user_id":      usage.UserID,
			"service_name": usage.ServiceName,
		}).Warn("Failed to record service in active sessions")
	}

	c.notifier.Publish(usage.UserID, UpdateServiceUsage, usage)

	return usage, nil
}

// StartSession opens a new session for the user. Any session still
// active for the user is force-closed first, so at most one session per
// user is ever active. Device, browser and OS are derived from the
// user agent once, at start. An empty sessionID gets a generated one.
func (c *Collector) StartSession(ctx context.Context, sessionID, userID, ipAddress, userAgent string) (*Session, error) {
	if _, err := c.sessions.CloseAllActive(ctx, userID); err != nil {
		return nil, err
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	client := DetectClient(userAgent)
	session := &Session{
		ID:           sessionID,
		UserID:       userID,
		StartedAt:    time.Now().Unix(),
		ServicesUsed: []string{},
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		DeviceType:   client.DeviceType,
		Browser:      client.Browser,
		OS:           client.OS,
	}

	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	if c.om != nil {
		c.om.SessionsStartedTotal.Inc()
	}

	c.notifier.Publish(userID, UpdateSessionStarted, session)

	return session, nil
}

// EndSession closes a session, setting endedAt and durationSeconds.
// Returns ErrSessionNotFound for an unknown ID and ErrSessionEnded when
// the session already ended. Ending is terminal: of two concurrent calls
// for the same session exactly one succeeds.
func (c *Collector) EndSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := c.sessions.Close(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if c.om != nil {
		c.om.SessionsEndedTotal.Inc()
	}

	c.notifier.Publish(session.UserID, UpdateSessionEnded, session)

	return session, nil
}

// TrackNavigation records a page change as a navigation event.
func (c *Collector) TrackNavigation(ctx context.Context, userID, fromPage, toPage, sessionID string) (*Event, error) {
	return c.TrackEvent(ctx, &Event{
		UserID:        userID,
		EventType:     EventTypeNavigation,
		EventCategory: CategoryUI,
		EventAction:   "page_change",
		EventLabel:    fromPage + " -> " + toPage,
		ServiceName:   "frontend",
		SessionID:     sessionID,
		Metadata: map[string]interface{}{
			"fromPage": fromPage,
			"toPage":   toPage,
		},
	})
}

// TrackClick records a UI element click.
func (c *Collector) TrackClick(ctx context.Context, userID, elementID, elementType, pageURL, sessionID string) (*Event, error) {
	return c.TrackEvent(ctx, &Event{
		UserID:        userID,
		EventType:     EventTypeClick,
		EventCategory: CategoryUI,
		EventAction:   "element_click",
		EventLabel:    elementType + ":" + elementID,
		ServiceName:   "frontend",
		SessionID:     sessionID,
		Metadata: map[string]interface{}{
			"elementId":   elementID,
			"elementType": elementType,
			"pageUrl":     pageURL,
		},
	})
}

// TrackAPICall records an API invocation against the named service with
// its latency as the event value.
func (c *Collector) TrackAPICall(ctx context.Context, userID, serviceName, method, endpoint string, statusCode int, durationMs float64, sessionID string) (*Event, error) {
	value := durationMs
	return c.TrackEvent(ctx, &Event{
		UserID:        userID,
		EventType:     EventTypeAPICall,
		EventCategory: CategoryAPI,
		EventAction:   method + " " + endpoint,
		EventValue:    &value,
		ServiceName:   serviceName,
		SessionID:     sessionID,
		Metadata: map[string]interface{}{
			"method":     method,
			"endpoint":   endpoint,
			"statusCode": statusCode,
			"durationMs": durationMs,
		},
	})
}

// TrackError records an error attributed to the named service.
func (c *Collector) TrackError(ctx context.Context, userID, serviceName, errorType, errorMessage, sessionID string) (*Event, error) {
	return c.TrackEvent(ctx, &Event{
		UserID:        userID,
		EventType:     EventTypeError,
		EventCategory: CategoryError,
		EventAction:   errorType,
		EventLabel:    errorMessage,
		ServiceName:   serviceName,
		SessionID:     sessionID,
		Metadata: map[string]interface{}{
			"errorType":    errorType,
			"errorMessage": errorMessage,
		},
	})
}

// GetActiveSessions returns the user's currently active sessions.
func (c *Collector) GetActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	return c.sessions.ListActiveByUser(ctx, userID)
}

// GetSession returns one session by ID.
func (c *Collector) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return c.sessions.GetByID(ctx, sessionID)
}

// GetUserStats assembles the activity summary for one user. The four
// lookups are independent and run concurrently.
func (c *Collector) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	stats := &UserStats{UserID: userID}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		count, err := c.sessions.CountByUser(ctx, userID)
		stats.TotalSessions = count
		return err
	})
	g.Go(func() error {
		count, err := c.events.CountByUser(ctx, userID)
		stats.TotalEvents = count
		return err
	})
	g.Go(func() error {
		active, err := c.sessions.ListActiveByUser(ctx, userID)
		stats.ActiveSessions = int64(len(active))
		return err
	})
	g.Go(func() error {
		events, err := c.events.ListByUser(ctx, userID, 1, 0)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			stats.LastActivity = events[0].CreatedAt
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// IsNotFound reports whether err is the session-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
