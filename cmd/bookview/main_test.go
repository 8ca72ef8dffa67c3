package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erain9/tradeclient/pkg/core"
)

func testSnapshot() core.BookSnapshot {
	return core.BookSnapshot{
		Instrument: "BTC-PERPETUAL",
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		BestBid:    100,
		BestAsk:    101,
		Spread:     1,
		Bids:       []core.LevelView{{Price: 100, Volume: 5, Orders: 1}, {Price: 99, Volume: 2}},
		Asks:       []core.LevelView{{Price: 101, Volume: 3}, {Price: 102, Volume: 4}},
	}
}

func TestRenderLadder(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	require.NoError(t, renderLadder(&buf, testSnapshot(), 0))

	out := buf.String()
	assert.Contains(t, out, "BTC-PERPETUAL  2024-01-02T03:04:05Z")

	// asks descend toward the spread, bids descend away from it
	order := []string{"102.0000", "101.0000", "spread", "100.0000", "99.0000"}
	last := -1
	for _, s := range order {
		idx := strings.Index(out, s)
		require.GreaterOrEqual(t, idx, 0, s)
		assert.Greater(t, idx, last, s)
		last = idx
	}
	assert.Equal(t, 2, strings.Count(out, "ASK"))
	assert.Equal(t, 2, strings.Count(out, "BID"))
}

func TestRenderLadder_Depth(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	require.NoError(t, renderLadder(&buf, testSnapshot(), 1))

	out := buf.String()
	assert.Contains(t, out, "101.0000")
	assert.NotContains(t, out, "102.0000")
	assert.NotContains(t, out, "99.0000")
}

func TestLadderView_Throttles(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	view := newLadderView(&buf, time.Hour)
	view.Show(testSnapshot())
	first := buf.Len()
	require.Greater(t, first, 0)

	view.Show(testSnapshot())
	assert.Equal(t, first, buf.Len())
}
