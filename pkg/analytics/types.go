package analytics

import "errors"

// EventType classifies what kind of action an event records.
type EventType string

const (
	EventTypeClick       EventType = "click"
	EventTypeNavigation  EventType = "navigation"
	EventTypeAPICall     EventType = "api_call"
	EventTypeServiceUse  EventType = "service_use"
	EventTypeError       EventType = "error"
	EventTypePerformance EventType = "performance"
	EventTypeBilling     EventType = "billing"
)

// EventCategory groups events by the surface they came from.
type EventCategory string

const (
	CategoryUI          EventCategory = "ui"
	CategoryAPI         EventCategory = "api"
	CategoryService     EventCategory = "service"
	CategoryBilling     EventCategory = "billing"
	CategoryPerformance EventCategory = "performance"
	CategoryError       EventCategory = "error"
)

// DeviceType is the device class derived from a user agent string.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// ValidEventTypes and ValidEventCategories are the accepted enum values
// at the ingestion boundary.
var (
	ValidEventTypes = map[EventType]bool{
		EventTypeClick:       true,
		EventTypeNavigation:  true,
		EventTypeAPICall:     true,
		EventTypeServiceUse:  true,
		EventTypeError:       true,
		EventTypePerformance: true,
		EventTypeBilling:     true,
	}

	ValidEventCategories = map[EventCategory]bool{
		CategoryUI:          true,
		CategoryAPI:         true,
		CategoryService:     true,
		CategoryBilling:     true,
		CategoryPerformance: true,
		CategoryError:       true,
	}
)

var (
	// ErrSessionNotFound is returned when a session ID does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionEnded is returned when ending a session that already ended.
	ErrSessionEnded = errors.New("session already ended")
)

// Event is one discrete user action. Events are immutable once stored.
// Timestamps are epoch seconds.
type Event struct {
	ID            int64                  `json:"id"`
	UserID        string                 `json:"user_id"`
	EventType     EventType              `json:"event_type"`
	EventCategory EventCategory          `json:"event_category"`
	EventAction   string                 `json:"event_action"`
	EventLabel    string                 `json:"event_label,omitempty"`
	EventValue    *float64               `json:"event_value,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	CreatedAt     int64                  `json:"created_at"`
}

// Session is one continuous period of user activity. A session with a
// nil EndedAt is active.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	StartedAt       int64      `json:"started_at"`
	EndedAt         *int64     `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	PageViews       int64      `json:"page_views"`
	EventsCount     int64      `json:"events_count"`
	ServicesUsed    []string   `json:"services_used"`
	IPAddress       string     `json:"ip_address,omitempty"`
	UserAgent       string     `json:"user_agent,omitempty"`
	DeviceType      DeviceType `json:"device_type,omitempty"`
	Browser         string     `json:"browser,omitempty"`
	OS              string     `json:"os,omitempty"`
}

// Active reports whether the session has not ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// SessionPatch is a sparse update to a session. A nil field leaves the
// column untouched. ServicesUsed nil means untouched; an empty non-nil
// slice clears the set.
type SessionPatch struct {
	EndedAt         *int64
	DurationSeconds *int64
	PageViews       *int64
	EventsCount     *int64
	ServicesUsed    []string
}

// PerformanceMetric is one timing or system measurement sample.
type PerformanceMetric struct {
	ID          int64   `json:"id"`
	UserID      string  `json:"user_id,omitempty"`
	MetricType  string  `json:"metric_type"`
	MetricName  string  `json:"metric_name"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	PageURL     string  `json:"page_url,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	CreatedAt   int64   `json:"created_at"`
}

// ServiceUsage is one invocation of a backend service by a user,
// including outcome and cost attribution.
type ServiceUsage struct {
	ID           int64                  `json:"id"`
	UserID       string                 `json:"user_id"`
	ServiceName  string                 `json:"service_name"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	CostBT       float64                `json:"cost_bt"`
	CostRub      float64                `json:"cost_rub"`
	RequestData  map[string]interface{} `json:"request_data,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    int64                  `json:"created_at"`
}

// AggregatedMetric is one rollup row keyed by (date, hour, user,
// service). A nil MetricHour means a daily rollup; empty UserID or
// ServiceName means the row is not broken down by that dimension.
type AggregatedMetric struct {
	ID                 int64                  `json:"id"`
	MetricDate         string                 `json:"metric_date"`
	MetricHour         *int64                 `json:"metric_hour,omitempty"`
	UserID             string                 `json:"user_id,omitempty"`
	ServiceName        string                 `json:"service_name,omitempty"`
	TotalEvents        int64                  `json:"total_events"`
	TotalSessions      int64                  `json:"total_sessions"`
	TotalUsers         int64                  `json:"total_users"`
	TotalAPICalls      int64                  `json:"total_api_calls"`
	TotalErrors        int64                  `json:"total_errors"`
	TotalRevenueBT     float64                `json:"total_revenue_bt"`
	AvgSessionDuration float64                `json:"avg_session_duration"`
	AvgResponseTime    float64                `json:"avg_response_time"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          int64                  `json:"created_at"`
	UpdatedAt          int64                  `json:"updated_at"`
}

// AggregatePatch is a sparse update to a rollup row. A nil field leaves
// the column untouched. Applying any patch bumps updated_at.
type AggregatePatch struct {
	TotalEvents        *int64
	TotalSessions      *int64
	TotalUsers         *int64
	TotalAPICalls      *int64
	TotalErrors        *int64
	TotalRevenueBT     *float64
	AvgSessionDuration *float64
	AvgResponseTime    *float64
	Metadata           map[string]interface{}
}

// EventStat is one row of the per-type event breakdown.
type EventStat struct {
	EventType   EventType `json:"event_type"`
	Count       int64     `json:"count"`
	UniqueUsers int64     `json:"unique_users"`
}

// SessionStats summarizes sessions over a date range.
type SessionStats struct {
	TotalSessions  int64   `json:"total_sessions"`
	ActiveSessions int64   `json:"active_sessions"`
	AvgDuration    float64 `json:"avg_duration"`
	UniqueUsers    int64   `json:"unique_users"`
}

// MetricAverage is one row of the per-name performance breakdown.
type MetricAverage struct {
	MetricName string  `json:"metric_name"`
	AvgValue   float64 `json:"avg_value"`
	MinValue   float64 `json:"min_value"`
	MaxValue   float64 `json:"max_value"`
	Samples    int64   `json:"samples"`
}

// UsageStat is one row of the per-service usage breakdown. SuccessRate
// is SuccessCalls over TotalCalls, in [0, 1].
type UsageStat struct {
	ServiceName   string  `json:"service_name"`
	TotalCalls    int64   `json:"total_calls"`
	SuccessCalls  int64   `json:"success_calls"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	TotalCostBT   float64 `json:"total_cost_bt"`
	TotalCostRub  float64 `json:"total_cost_rub"`
	UniqueUsers   int64   `json:"unique_users"`
}

// UserStats is the cross-store activity summary for one user.
type UserStats struct {
	UserID         string `json:"user_id"`
	TotalSessions  int64  `json:"total_sessions"`
	TotalEvents    int64  `json:"total_events"`
	ActiveSessions int64  `json:"active_sessions"`
	LastActivity   int64  `json:"last_activity"`
}
