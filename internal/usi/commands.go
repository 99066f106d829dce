package usi

import (
	"strconv"
	"strings"
)

// Commands the bridge writes to the engine, and the acknowledgment
// tokens it waits for. These are fixed by the protocol.
const (
	// CommandUSI is the capability query that opens the handshake.
	CommandUSI = "usi"
	// CommandIsReady is the readiness query that closes the handshake.
	CommandIsReady = "isready"
	// CommandStop cancels a running search.
	CommandStop = "stop"
	// CommandQuit politely asks the engine to terminate.
	CommandQuit = "quit"

	// TokenUSIOK acknowledges the capability query.
	TokenUSIOK = "usiok"
	// TokenReadyOK acknowledges the readiness query.
	TokenReadyOK = "readyok"

	// PositionStartpos is the initial-position keyword.
	PositionStartpos = "startpos"
)

// PositionCommand builds the position-set command. An empty position
// selects the initial position; a non-empty moves list appends the
// trailing move-list suffix.
func PositionCommand(position string, moves []string) string {
	if position == "" {
		position = PositionStartpos
	}
	cmd := "position " + position
	if len(moves) > 0 {
		cmd += " moves " + strings.Join(moves, " ")
	}
	return cmd
}

// SearchCommand builds the search-start command from the optional
// limits. A nil pointer means the limit was not supplied.
//
// waittime=0 selects the unbounded search and ignores depth and nodes.
// Otherwise the command is "go" followed by "movetime T", "depth D"
// and "nodes N" in that order, each present only when supplied.
func SearchCommand(waittime, depth, nodes *int) string {
	if waittime != nil && *waittime == 0 {
		return "go infinite"
	}
	parts := []string{"go"}
	if waittime != nil {
		parts = append(parts, "movetime", strconv.Itoa(*waittime))
	}
	if depth != nil {
		parts = append(parts, "depth", strconv.Itoa(*depth))
	}
	if nodes != nil {
		parts = append(parts, "nodes", strconv.Itoa(*nodes))
	}
	return strings.Join(parts, " ")
}

// SetOptionCommand builds one engine configuration command.
func SetOptionCommand(name, value string) string {
	return "setoption name " + name + " value " + value
}
