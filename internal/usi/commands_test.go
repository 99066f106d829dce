package usi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPositionCommand(t *testing.T) {
	tests := []struct {
		name     string
		position string
		moves    []string
		want     string
	}{
		{
			name: "defaults to the initial position",
			want: "position startpos",
		},
		{
			name:     "explicit startpos with moves",
			position: "startpos",
			moves:    []string{"7g7f", "3c3d"},
			want:     "position startpos moves 7g7f 3c3d",
		},
		{
			name:     "sfen position",
			position: "sfen lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1",
			want:     "position sfen lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, PositionCommand(tt.position, tt.moves))
		})
	}
}

// TestSearchCommand_Table covers every combination of the three
// optional limits, including that an unbounded search ignores depth
// and nodes entirely.
func TestSearchCommand_Table(t *testing.T) {
	tests := []struct {
		name     string
		waittime *int
		depth    *int
		nodes    *int
		want     string
	}{
		{name: "no limits", want: "go"},
		{name: "depth only", depth: intPtr(20), want: "go depth 20"},
		{name: "nodes only", nodes: intPtr(500000), want: "go nodes 500000"},
		{name: "depth and nodes", depth: intPtr(20), nodes: intPtr(500000), want: "go depth 20 nodes 500000"},
		{name: "unbounded", waittime: intPtr(0), want: "go infinite"},
		{name: "unbounded ignores depth and nodes", waittime: intPtr(0), depth: intPtr(20), nodes: intPtr(500000), want: "go infinite"},
		{name: "movetime only", waittime: intPtr(1500), want: "go movetime 1500"},
		{name: "movetime and depth", waittime: intPtr(1500), depth: intPtr(20), want: "go movetime 1500 depth 20"},
		{name: "movetime and nodes", waittime: intPtr(1500), nodes: intPtr(500000), want: "go movetime 1500 nodes 500000"},
		{name: "all limits", waittime: intPtr(1500), depth: intPtr(20), nodes: intPtr(500000), want: "go movetime 1500 depth 20 nodes 500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SearchCommand(tt.waittime, tt.depth, tt.nodes))
		})
	}
}

func TestSetOptionCommand(t *testing.T) {
	require.Equal(t, "setoption name USI_Hash value 256", SetOptionCommand("USI_Hash", "256"))
	require.Equal(t, "setoption name BookFile value standard_book.db", SetOptionCommand("BookFile", "standard_book.db"))
}
