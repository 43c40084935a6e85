package smtp

// State is one of the seven connection states spec.md §4.3 names. A
// Connection is in exactly one State at any instant.
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	Authorizing
	Authorized
	Sending
	Data
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Authorizing:
		return "AUTHORIZING"
	case Authorized:
		return "AUTHORIZED"
	case Sending:
		return "SENDING"
	case Data:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}
