package domain

// Role selects which half of the offer/answer exchange a peer produces.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Direction returns the candidate direction of the local side. The initiator
// is always the viewer and the responder the sharer.
func (r Role) Direction() Direction {
	if r == RoleResponder {
		return FromSharer
	}
	return FromViewer
}

// TransportState is the connection state reported by the media transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)
