// Package command routes server-pushed control commands to their handlers.
package command

// Command identifies a control command the server may push.
type Command int

const (
	CommandUnknown Command = iota
	CommandIdle
	CommandVerifyNewAccount
	CommandKeepAlive
	CommandActivityState
	CommandSetAccountAttributes
	CommandLocation
	CommandFence
	CommandStateSync
)

// commands is the static command table. Ignored commands are acknowledged by
// the router without a handler.
var commands = [...]struct {
	path    string
	ignored bool
}{
	CommandUnknown:              {path: ""},
	CommandIdle:                 {path: "idle", ignored: true},
	CommandVerifyNewAccount:     {path: "/v1/VerifyNewAccount", ignored: true},
	CommandKeepAlive:            {path: "/v1/keepalive", ignored: true},
	CommandActivityState:        {path: "/V1/ActivityState", ignored: true},
	CommandSetAccountAttributes: {path: "/v1/SetAccountAttributes", ignored: true},
	CommandLocation:             {path: "/V1/Location"},
	CommandFence:                {path: "/V1/Fence", ignored: true},
	CommandStateSync:            {path: "/v1/StateSync"},
}

var commandsByPath = func() map[string]Command {
	m := make(map[string]Command, len(commands))
	for c, e := range commands {
		if e.path != "" {
			m[e.path] = Command(c)
		}
	}
	return m
}()

// ParseCommand returns the command addressed by path, or CommandUnknown.
// Paths are case sensitive.
func ParseCommand(path string) Command {
	return commandsByPath[path]
}

// Path returns the wire path of the command.
func (c Command) Path() string {
	if c < 0 || int(c) >= len(commands) {
		return ""
	}
	return commands[c].path
}

// Ignored reports whether the command is intentionally a no-op.
func (c Command) Ignored() bool {
	if c < 0 || int(c) >= len(commands) {
		return false
	}
	return commands[c].ignored
}

// String returns the string representation of Command
func (c Command) String() string {
	switch c {
	case CommandIdle:
		return "IDLE"
	case CommandVerifyNewAccount:
		return "VERIFY_NEW_ACCOUNT"
	case CommandKeepAlive:
		return "KEEPALIVE"
	case CommandActivityState:
		return "ACTIVITY_STATE"
	case CommandSetAccountAttributes:
		return "SET_ACCOUNT_ATTRIBUTES"
	case CommandLocation:
		return "LOCATION"
	case CommandFence:
		return "FENCE"
	case CommandStateSync:
		return "STATE_SYNC"
	default:
		return "UNKNOWN"
	}
}

// Commands returns every known command.
func Commands() []Command {
	out := make([]Command, 0, len(commands)-1)
	for c := CommandIdle; int(c) < len(commands); c++ {
		out = append(out, c)
	}
	return out
}
