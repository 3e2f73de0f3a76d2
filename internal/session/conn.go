package session

// Close codes sent to a socket when the session drops it. 1000/1001 are the
// standard websocket codes, 4xxx are application codes.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 4000
	CloseForbidden     = 4003
	CloseNotFound      = 4004
	CloseTimeout       = 4008
	CloseDuplicate     = 4009
)

// Conn is one attached socket as the session sees it.
//
// Send must not block the caller; a transport that cannot accept the
// message returns an error instead. Close must be safe to call more than once.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close(code int, reason string)
}

// Identified is implemented by connections whose participant identity was
// already established by the external verifier (for example a signed ticket).
// An empty ParticipantID means the transport vouches for nobody.
type Identified interface {
	ParticipantID() string
}

func identityOf(c Conn) string {
	if id, ok := c.(Identified); ok {
		return id.ParticipantID()
	}
	return ""
}
