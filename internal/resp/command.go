package resp

import "strings"

// CommandKind enumerates the commands PodCache recognizes (spec §4.5).
type CommandKind int

const (
	Unknown CommandKind = iota
	Ping
	Quit
	Set
	Get
	Del
	Unlink
	Client
	Incr
)

var commandTable = map[string]CommandKind{
	"PING":   Ping,
	"QUIT":   Quit,
	"SET":    Set,
	"GET":    Get,
	"DEL":    Del,
	"UNLINK": Unlink,
	"CLIENT": Client,
	"INCR":   Incr,
}

// DecodeCommand maps a command name to its CommandKind, case-insensitively.
func DecodeCommand(name string) CommandKind {
	kind, ok := commandTable[strings.ToUpper(name)]
	if !ok {
		return Unknown
	}
	return kind
}
