package replica

// Mode is the replication state of a client
type Mode int

const (
	// Unconnected is the state before Connect
	Unconnected Mode = iota
	// RemoteLive mirrors a reachable server and forwards control calls to it
	RemoteLive
	// LocalAuthoritative owns a private, persisted registry after the server
	// became unreachable. There is no way back to RemoteLive.
	LocalAuthoritative
)

func (m Mode) String() string {
	switch m {
	case Unconnected:
		return "unconnected"
	case RemoteLive:
		return "remote_live"
	case LocalAuthoritative:
		return "local_authoritative"
	default:
		return "unknown"
	}
}
