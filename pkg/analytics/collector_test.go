package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSessionClosesPrevious(t *testing.T) {
	collector, _, sessions, _, _ := newTestPipeline(t)
	ctx := context.Background()

	s1, err := collector.StartSession(ctx, "s1", "u1", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, "s1", s1.ID)
	assert.True(t, s1.Active())

	s2, err := collector.StartSession(ctx, "s2", "u1", "10.0.0.1", "test-agent")
	require.NoError(t, err)

	first, err := sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, first.Active())
	require.NotNil(t, first.DurationSeconds)

	active, err := collector.GetActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s2.ID, active[0].ID)
}

func TestStartSessionDerivesClientInfo(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)

	ua := "Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0"
	session, err := collector.StartSession(context.Background(), "", "u1", "10.0.0.1", ua)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, DeviceDesktop, session.DeviceType)
	assert.Equal(t, "Edge", session.Browser)
	assert.Equal(t, "Windows", session.OS)
}

func TestEndSession(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	ended, err := collector.EndSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ended.Active())
	require.NotNil(t, ended.EndedAt)
	require.NotNil(t, ended.DurationSeconds)

	// Ending is terminal.
	_, err = collector.EndSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionEnded)

	_, err = collector.EndSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndSessionConcurrentCallsOneWinner(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	// Closing is one conditional write, so exactly one caller wins no
	// matter how the calls interleave.
	var (
		wg     sync.WaitGroup
		won    atomic.Int64
		ended  atomic.Int64
		others atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := collector.EndSession(ctx, "s1")
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrSessionEnded):
				ended.Add(1)
			default:
				others.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), won.Load())
	assert.Equal(t, int64(7), ended.Load())
	assert.Zero(t, others.Load())
}

func TestTrackEventBumpsSessionCounter(t *testing.T) {
	collector, _, sessions, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := collector.TrackEvent(ctx, &Event{
				UserID: "u1", EventType: EventTypeClick, EventCategory: CategoryUI,
				EventAction: "element_click", SessionID: "s1",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	session, err := sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), session.EventsCount)
	assert.Zero(t, session.PageViews)
}

func TestTrackEventWithUnknownSessionStillStores(t *testing.T) {
	collector, events, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	// Counter bump fails quietly; the event write is the contract.
	event, err := collector.TrackEvent(ctx, &Event{
		UserID: "u1", EventType: EventTypeClick, EventCategory: CategoryUI,
		EventAction: "element_click", SessionID: "ghost",
	})
	require.NoError(t, err)
	assert.Greater(t, event.ID, int64(0))

	count, err := events.CountByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTrackNavigationEnvelope(t *testing.T) {
	collector, _, sessions, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	event, err := collector.TrackNavigation(ctx, "u1", "/home", "/settings", "s1")
	require.NoError(t, err)

	assert.Equal(t, EventTypeNavigation, event.EventType)
	assert.Equal(t, CategoryUI, event.EventCategory)
	assert.Equal(t, "page_change", event.EventAction)
	assert.Equal(t, "/home -> /settings", event.EventLabel)
	assert.Equal(t, "frontend", event.ServiceName)
	assert.Equal(t, "/home", event.Metadata["fromPage"])
	assert.Equal(t, "/settings", event.Metadata["toPage"])

	// Navigation counts as a page view.
	session, err := sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.PageViews)
	assert.Equal(t, int64(1), session.EventsCount)
}

func TestTrackClickEnvelope(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)

	event, err := collector.TrackClick(context.Background(), "u1", "save", "button", "/editor", "")
	require.NoError(t, err)

	assert.Equal(t, EventTypeClick, event.EventType)
	assert.Equal(t, CategoryUI, event.EventCategory)
	assert.Equal(t, "element_click", event.EventAction)
	assert.Equal(t, "button:save", event.EventLabel)
	assert.Equal(t, "frontend", event.ServiceName)
	assert.Equal(t, "save", event.Metadata["elementId"])
	assert.Equal(t, "button", event.Metadata["elementType"])
	assert.Equal(t, "/editor", event.Metadata["pageUrl"])
}

func TestTrackAPICallEnvelope(t *testing.T) {
	collector, events, _, _, _ := newTestPipeline(t)

	event, err := collector.TrackAPICall(context.Background(), "u1", "image-gen", "GET", "/api/things", 200, 87.5, "")
	require.NoError(t, err)

	assert.Equal(t, EventTypeAPICall, event.EventType)
	assert.Equal(t, CategoryAPI, event.EventCategory)
	assert.Equal(t, "GET /api/things", event.EventAction)
	assert.Equal(t, "image-gen", event.ServiceName)
	require.NotNil(t, event.EventValue)
	assert.Equal(t, 87.5, *event.EventValue)
	assert.Equal(t, "GET", event.Metadata["method"])
	assert.Equal(t, "/api/things", event.Metadata["endpoint"])
	assert.Equal(t, 200, event.Metadata["statusCode"])
	assert.Equal(t, 87.5, event.Metadata["durationMs"])

	// The call is attributable to its service.
	byService, err := events.ListByService(context.Background(), "image-gen", 10, 0)
	require.NoError(t, err)
	require.Len(t, byService, 1)
	assert.Equal(t, event.ID, byService[0].ID)
}

func TestTrackErrorEnvelope(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)

	event, err := collector.TrackError(context.Background(), "u1", "frontend", "TypeError", "x is undefined", "")
	require.NoError(t, err)

	assert.Equal(t, EventTypeError, event.EventType)
	assert.Equal(t, CategoryError, event.EventCategory)
	assert.Equal(t, "TypeError", event.EventAction)
	assert.Equal(t, "frontend", event.ServiceName)
	assert.Equal(t, "x is undefined", event.EventLabel)
	assert.Equal(t, "TypeError", event.Metadata["errorType"])
	assert.Equal(t, "x is undefined", event.Metadata["errorMessage"])
}

func TestTrackServiceUsageMarksActiveSessions(t *testing.T) {
	collector, _, sessions, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	_, err = collector.TrackServiceUsage(ctx, &ServiceUsage{
		UserID: "u1", ServiceName: "image-gen", Action: "generate", Success: true,
	})
	require.NoError(t, err)

	session, err := sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"image-gen"}, session.ServicesUsed)
}

func TestGetUserStatsEmpty(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)

	stats, err := collector.GetUserStats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", stats.UserID)
	assert.Zero(t, stats.TotalSessions)
	assert.Zero(t, stats.TotalEvents)
	assert.Zero(t, stats.ActiveSessions)
	assert.Zero(t, stats.LastActivity)
}

func TestGetUserStatsAfterActivity(t *testing.T) {
	collector, _, _, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)

	event, err := collector.TrackEvent(ctx, &Event{
		UserID: "u1", EventType: EventTypeClick, EventCategory: CategoryUI,
		EventAction: "element_click", SessionID: "s1",
	})
	require.NoError(t, err)

	stats, err := collector.GetUserStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalSessions)
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.ActiveSessions)
	assert.Equal(t, event.CreatedAt, stats.LastActivity)
}

func TestCollectorPublishesUpdates(t *testing.T) {
	collector, _, _, _, notifier := newTestPipeline(t)
	ctx := context.Background()

	sub := notifier.Subscribe("u1")
	defer notifier.Unsubscribe(sub)

	_, err := collector.StartSession(ctx, "s1", "u1", "", "")
	require.NoError(t, err)
	_, err = collector.TrackEvent(ctx, &Event{
		UserID: "u1", EventType: EventTypeClick, EventCategory: CategoryUI,
		EventAction: "element_click",
	})
	require.NoError(t, err)
	_, err = collector.EndSession(ctx, "s1")
	require.NoError(t, err)

	var types []string
	for i := 0; i < 3; i++ {
		update := <-sub.C
		types = append(types, update.Type)
		assert.NotZero(t, update.Timestamp)
	}
	assert.Equal(t, []string{UpdateSessionStarted, UpdateNewEvent, UpdateSessionEnded}, types)
}
