package domain

// Room holds the membership set and an opaque reference to the media
// engine's per-room routing context. Participants are keyed by UserID;
// insertion order is irrelevant.
type Room struct {
	ID           RoomID
	Participants map[UserID]*Participant

	// RouterContext is owned by the media engine; the room only carries it.
	RouterContext any
}

func NewRoom(id RoomID, routerContext any) *Room {
	return &Room{
		ID:            id,
		Participants:  make(map[UserID]*Participant),
		RouterContext: routerContext,
	}
}
