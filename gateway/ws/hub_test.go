package ws

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stakearena/core/events"
)

func TestHubDeliversAttributedEvents(t *testing.T) {
	hub := NewHub(4)
	ch, cancel := hub.Subscribe()
	defer cancel()
	require.Equal(t, 1, hub.Subscribers())

	hub.Emit(events.LobbyState{LobbyID: 3, From: "waiting", To: "active"})
	push := <-ch
	require.Equal(t, "event", push.Type)
	require.Equal(t, events.TypeLobbyState, push.Event)
	require.Equal(t, "3", push.Attributes["lobbyId"])
	require.Equal(t, "active", push.Attributes["to"])
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1)
	slow, cancelSlow := hub.Subscribe()
	defer cancelSlow()

	hub.Emit(events.LobbyState{LobbyID: 1, To: "active"})
	hub.Emit(events.LobbyState{LobbyID: 1, To: "finalizable"})
	require.Equal(t, uint64(1), hub.Dropped())
	require.Equal(t, "active", (<-slow).Attributes["to"])

	cancelSlow()
	require.Zero(t, hub.Subscribers())
	hub.Emit(events.LobbyState{LobbyID: 1, To: "finalized"})
	require.Equal(t, uint64(1), hub.Dropped(), "no subscribers, nothing dropped")

	var nilHub *Hub
	nilHub.Emit(events.LobbyState{})
}
