package usi

import "strings"

// AnalysisResult is the structured outcome of a completed search.
//
// Exactly one of the two score shapes applies: Mate=true with MateIn
// (the unsigned distance) and PV, or Mate=false with ScoreCP (nil when
// the engine never reported a centipawn score). BestMove and Ponder are
// nil when the engine never produced the corresponding token.
type AnalysisResult struct {
	Mate     bool    `json:"mate"`
	MateIn   int     `json:"mate_in,omitempty"`
	ScoreCP  *int    `json:"score_cp,omitempty"`
	PV       string  `json:"pv,omitempty"`
	BestMove *string `json:"bestmove"`
	Ponder   *string `json:"ponder"`
}

// Summarize reduces the output of one search to an AnalysisResult.
//
// Info lines form two histories: those carrying a mate distance and
// those carrying a centipawn score. A non-empty mate history wins
// independent of interleaving order, and only its final event is
// consulted; otherwise the final score event supplies ScoreCP. The
// best move comes from the first bestmove line. Lines of any other
// kind are ignored.
func Summarize(lines []Line) AnalysisResult {
	var lastMate, lastScore *InfoFields
	var best *Line

	for i := range lines {
		line := &lines[i]
		switch line.Kind {
		case KindInfo:
			if line.Info == nil {
				continue
			}
			if line.Info.ScoreMate != nil {
				lastMate = line.Info
			}
			if line.Info.ScoreCP != nil {
				lastScore = line.Info
			}
		case KindBestMove:
			if best == nil {
				best = line
			}
		}
	}

	var result AnalysisResult
	if best != nil {
		move := best.Move
		result.BestMove = &move
		if best.Ponder != "" {
			ponder := best.Ponder
			result.Ponder = &ponder
		}
	}

	switch {
	case lastMate != nil:
		distance := *lastMate.ScoreMate
		if distance < 0 {
			distance = -distance
		}
		result.Mate = true
		result.MateIn = distance
		result.PV = strings.Join(lastMate.PV, " ")
	case lastScore != nil:
		score := *lastScore.ScoreCP
		result.ScoreCP = &score
	}
	return result
}
