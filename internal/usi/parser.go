// Package usi implements the bridge's side of the Universal Shogi
// Interface line protocol: classifying raw engine output into typed
// lines, summarizing a completed search, and building the commands the
// bridge writes to the engine's standard input.
//
// The package is stateless. It understands the protocol vocabulary only;
// it has no knowledge of board semantics or move legality.
package usi

import (
	"strconv"
	"strings"
)

// LineKind identifies the kind of a classified engine output line.
type LineKind string

const (
	// KindUSIOK is the first handshake acknowledgment ("usiok").
	KindUSIOK LineKind = "usiok"
	// KindReadyOK is the second handshake acknowledgment ("readyok").
	KindReadyOK LineKind = "readyok"
	// KindID is an identification line ("id name ...", "id author ...").
	KindID LineKind = "id"
	// KindOption is an option declaration emitted during the handshake.
	// The content is preserved verbatim in Raw and not parsed further.
	KindOption LineKind = "option"
	// KindBestMove is the terminal line of a search ("bestmove ...").
	KindBestMove LineKind = "bestmove"
	// KindInfo is a search progress line ("info ...").
	KindInfo LineKind = "info"
	// KindRaw is any line that matches none of the known prefixes.
	KindRaw LineKind = "raw"
)

// Line is a classified engine output line. Raw always carries the
// trimmed original text; the remaining fields are populated per Kind.
type Line struct {
	Kind LineKind
	Raw  string

	// Identification fields (KindID).
	Key   string
	Value string

	// Best-move fields (KindBestMove). Ponder is empty when the engine
	// did not supply a predicted reply.
	Move   string
	Ponder string

	// Search progress fields (KindInfo).
	Info *InfoFields
}

// InfoFields carries the independently optional payload of an info
// line. Nil pointers mean the corresponding marker was absent.
type InfoFields struct {
	Depth     *int
	ScoreCP   *int
	ScoreMate *int
	PV        []string
}

// Classify converts one raw engine output line into a typed Line.
// Unrecognized lines come back as KindRaw with the trimmed text.
func Classify(raw string) Line {
	text := strings.TrimSpace(raw)

	switch text {
	case TokenUSIOK:
		return Line{Kind: KindUSIOK, Raw: text}
	case TokenReadyOK:
		return Line{Kind: KindReadyOK, Raw: text}
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Line{Kind: KindRaw, Raw: text}
	}

	switch fields[0] {
	case "id":
		key, value := splitKeyValue(strings.TrimSpace(strings.TrimPrefix(text, "id")))
		return Line{Kind: KindID, Raw: text, Key: key, Value: value}
	case "option":
		return Line{Kind: KindOption, Raw: text}
	case "bestmove":
		return classifyBestMove(text, fields)
	case "info":
		return Line{Kind: KindInfo, Raw: text, Info: parseInfo(fields)}
	}
	return Line{Kind: KindRaw, Raw: text}
}

// splitKeyValue splits an identification remainder at the first space.
// "name Lesserkai 1.4" becomes ("name", "Lesserkai 1.4").
func splitKeyValue(rest string) (string, string) {
	idx := strings.IndexByte(rest, ' ')
	if idx < 0 {
		return rest, ""
	}
	return rest[:idx], strings.TrimSpace(rest[idx+1:])
}

func classifyBestMove(text string, fields []string) Line {
	line := Line{Kind: KindBestMove, Raw: text}
	if len(fields) > 1 {
		line.Move = fields[1]
	}
	for i := 2; i < len(fields)-1; i++ {
		if fields[i] == "ponder" {
			line.Ponder = fields[i+1]
			break
		}
	}
	return line
}

// parseInfo extracts the optional depth/score/pv fields from an info
// line. The markers are independent; each is taken only when followed
// by its expected value tokens. When both "score cp" and "score mate"
// appear on one line the mate distance is authoritative and the
// centipawn value is dropped.
func parseInfo(fields []string) *InfoFields {
	info := &InfoFields{}
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 < len(fields) {
				if v, err := strconv.Atoi(fields[i+1]); err == nil {
					info.Depth = &v
					i++
				}
			}
		case "score":
			if i+2 < len(fields) {
				if v, err := strconv.Atoi(fields[i+2]); err == nil {
					switch fields[i+1] {
					case "cp":
						info.ScoreCP = &v
						i += 2
					case "mate":
						info.ScoreMate = &v
						i += 2
					}
				}
			}
		case "pv":
			if i+1 < len(fields) {
				info.PV = append([]string(nil), fields[i+1:]...)
			}
			i = len(fields)
		}
	}
	if info.ScoreMate != nil {
		info.ScoreCP = nil
	}
	return info
}
