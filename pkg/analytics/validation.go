package analytics

import "fmt"

// Request types for the ingestion endpoints. Validation happens here,
// at the boundary; the stores trust what the collector hands them.

// TrackEventRequest is the payload for POST /track.
type TrackEventRequest struct {
	UserID        string                 `json:"user_id"`
	EventType     EventType              `json:"event_type"`
	EventCategory EventCategory          `json:"event_category"`
	EventAction   string                 `json:"event_action"`
	EventLabel    string                 `json:"event_label,omitempty"`
	EventValue    *float64               `json:"event_value,omitempty"`
	ServiceName   string                 `json:"service_name,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
}

// Validate checks required fields and enum membership.
func (r *TrackEventRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.EventAction == "" {
		return fmt.Errorf("event_action is required")
	}
	if !ValidEventTypes[r.EventType] {
		return fmt.Errorf("invalid event_type: %q", r.EventType)
	}
	if !ValidEventCategories[r.EventCategory] {
		return fmt.Errorf("invalid event_category: %q", r.EventCategory)
	}
	return nil
}

// Event converts the request into a store event, attaching the request
// client context.
func (r *TrackEventRequest) Event(ipAddress, userAgent string) *Event {
	return &Event{
		UserID:        r.UserID,
		EventType:     r.EventType,
		EventCategory: r.EventCategory,
		EventAction:   r.EventAction,
		EventLabel:    r.EventLabel,
		EventValue:    r.EventValue,
		ServiceName:   r.ServiceName,
		Metadata:      r.Metadata,
		SessionID:     r.SessionID,
		IPAddress:     ipAddress,
		UserAgent:     userAgent,
	}
}

// TrackPerformanceRequest is the payload for POST /performance.
type TrackPerformanceRequest struct {
	UserID      string  `json:"user_id,omitempty"`
	MetricType  string  `json:"metric_type"`
	MetricName  string  `json:"metric_name"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	PageURL     string  `json:"page_url,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
}

func (r *TrackPerformanceRequest) Validate() error {
	if r.MetricType == "" {
		return fmt.Errorf("metric_type is required")
	}
	if r.MetricName == "" {
		return fmt.Errorf("metric_name is required")
	}
	return nil
}

func (r *TrackPerformanceRequest) Metric() *PerformanceMetric {
	return &PerformanceMetric{
		UserID:      r.UserID,
		MetricType:  r.MetricType,
		MetricName:  r.MetricName,
		Value:       r.Value,
		Unit:        r.Unit,
		PageURL:     r.PageURL,
		ServiceName: r.ServiceName,
	}
}

// TrackServiceUsageRequest is the payload for POST /service-usage.
type TrackServiceUsageRequest struct {
	UserID       string                 `json:"user_id"`
	ServiceName  string                 `json:"service_name"`
	Action       string                 `json:"action"`
	Success      *bool                  `json:"success,omitempty"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	CostBT       float64                `json:"cost_bt,omitempty"`
	CostRub      float64                `json:"cost_rub,omitempty"`
	RequestData  map[string]interface{} `json:"request_data,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

func (r *TrackServiceUsageRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// Usage converts the request into a usage record. Success defaults to
// true when omitted.
func (r *TrackServiceUsageRequest) Usage() *ServiceUsage {
	success := true
	if r.Success != nil {
		success = *r.Success
	}
	return &ServiceUsage{
		UserID:       r.UserID,
		ServiceName:  r.ServiceName,
		Action:       r.Action,
		Success:      success,
		DurationMs:   r.DurationMs,
		CostBT:       r.CostBT,
		CostRub:      r.CostRub,
		RequestData:  r.RequestData,
		ResponseData: r.ResponseData,
		ErrorMessage: r.ErrorMessage,
	}
}

// StartSessionRequest is the payload for POST /session/start. SessionID
// is optional; the collector generates one when it is empty.
type StartSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
}

func (r *StartSessionRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// EndSessionRequest is the payload for POST /session/end.
type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (r *EndSessionRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}
