package domain

// ConsumerRef links a consumer to the producer it consumes, so closure can
// cascade when the producing side leaves.
type ConsumerRef struct {
	ID         ConsumerID
	ProducerID ProducerID
}

// Participant is one user's state within one room: transport slots plus the
// producers and consumers it has created, in creation order. The handles
// themselves are owned by the media engine; only ids live here.
type Participant struct {
	ID     UserID
	RoomID RoomID

	SendTransport TransportID
	RecvTransport TransportID

	Producers []ProducerID
	Consumers []ConsumerRef
}

// NewParticipant avoids raw literals in callers and keeps construction obvious.
func NewParticipant(id UserID, roomID RoomID) *Participant {
	return &Participant{ID: id, RoomID: roomID}
}

// Transport returns the transport id for the given direction, if assigned.
func (p *Participant) Transport(d Direction) (TransportID, bool) {
	switch d {
	case DirectionSend:
		return p.SendTransport, p.SendTransport != ""
	case DirectionRecv:
		return p.RecvTransport, p.RecvTransport != ""
	}
	return "", false
}

func (p *Participant) SetTransport(d Direction, id TransportID) {
	if d == DirectionSend {
		p.SendTransport = id
		return
	}
	p.RecvTransport = id
}
