package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validEvent(typ Type) Event {
	return Event{
		RunID: "0191b2c3-run",
		TS:    time.Unix(1700000000, 0).UTC(),
		Type:  typ,
		URL:   "https://example.com/a",
	}
}

func TestValidateRejectsIncompleteEvents(t *testing.T) {
	t.Parallel()

	e := validEvent(TypeRequestHandled)
	require.NoError(t, e.Validate())

	missingRun := e
	missingRun.RunID = ""
	require.Error(t, missingRun.Validate())

	missingTS := e
	missingTS.TS = time.Time{}
	require.Error(t, missingTS.Validate())

	missingURL := e
	missingURL.URL = ""
	require.Error(t, missingURL.Validate())

	unknown := e
	unknown.Type = "SOMETHING_ELSE"
	require.Error(t, unknown.Validate())

	// Run lifecycle events do not carry a URL.
	lifecycle := validEvent(TypeRunStarted)
	lifecycle.URL = ""
	require.NoError(t, lifecycle.Validate())
}

func TestMemoryPublisherCollectsInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Publish(ctx, validEvent(TypeRunStarted)))
	require.NoError(t, m.Publish(ctx, validEvent(TypeRequestHandled)))
	require.Error(t, m.Publish(ctx, Event{Type: TypeRunStarted}))

	got := m.Events()
	require.Len(t, got, 2)
	require.Equal(t, TypeRunStarted, got[0].Type)
	require.Equal(t, TypeRequestHandled, got[1].Type)
}
