package supervisor

// EventKind identifies which input of the necessity check changed.
type EventKind int

const (
	EventRegistration EventKind = iota + 1
	EventForeground
	EventPushEnabled
	EventNetwork
	EventCensorship
	EventProxy
	// EventCredentials reports new credentials. Its value is ignored; it
	// only lifts an authentication failure.
	EventCredentials
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventRegistration:
		return "registration"
	case EventForeground:
		return "foreground"
	case EventPushEnabled:
		return "push_enabled"
	case EventNetwork:
		return "network"
	case EventCensorship:
		return "censorship"
	case EventProxy:
		return "proxy"
	case EventCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// Event is a change to one input of the necessity check.
type Event struct {
	Kind  EventKind
	Value bool
}

// Conditions are the inputs deciding whether a connection is needed.
type Conditions struct {
	Registered       bool
	Foreground       bool
	PushEnabled      bool
	NetworkAvailable bool
	Censored         bool
	ProxyEnabled     bool
}

// Necessary reports whether a connection should be open. A censored network
// is usable only through a proxy, and a backgrounded client relies on push
// when push is enabled.
func (c Conditions) Necessary() bool {
	return c.Registered &&
		c.NetworkAvailable &&
		(c.Foreground || !c.PushEnabled) &&
		!(c.Censored && !c.ProxyEnabled)
}

func (c *Conditions) apply(ev Event) {
	switch ev.Kind {
	case EventRegistration:
		c.Registered = ev.Value
	case EventForeground:
		c.Foreground = ev.Value
	case EventPushEnabled:
		c.PushEnabled = ev.Value
	case EventNetwork:
		c.NetworkAvailable = ev.Value
	case EventCensorship:
		c.Censored = ev.Value
	case EventProxy:
		c.ProxyEnabled = ev.Value
	}
}
