package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/erain9/tradeclient/pkg/core"
)

const (
	methodSubscription = "subscription"
	channelSeparator   = "."

	TypeBook   = "book"
	TypeTrades = "trades"
	TypeTicker = "ticker"

	payloadSnapshot = "snapshot"
)

// envelope is the outer shape of a feed push
type envelope struct {
	Method string `json:"method"`
	Params *struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// Channel builds the subscription channel name for an instrument
func Channel(instrument, channelType string) string {
	return instrument + channelSeparator + channelType
}

// SplitChannel splits a channel name on its first separator. ok is false if
// there is no separator.
func SplitChannel(channel string) (instrument, channelType string, ok bool) {
	return strings.Cut(channel, channelSeparator)
}

// levelEntry is a [price, volume] pair
type levelEntry struct {
	Price  float64
	Volume float64
}

func (e *levelEntry) UnmarshalJSON(b []byte) error {
	var raw []float64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("level entry has %d fields, want 2", len(raw))
	}
	e.Price, e.Volume = raw[0], raw[1]
	return nil
}

// changeEntry is a ["buy"|"sell", price, volume] triple
type changeEntry struct {
	Side   core.Side
	Price  float64
	Volume float64
}

func (e *changeEntry) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("change entry has %d fields, want 3", len(raw))
	}

	var side string
	if err := json.Unmarshal(raw[0], &side); err != nil {
		return fmt.Errorf("change side: %w", err)
	}
	parsed, err := core.ParseSide(side)
	if err != nil {
		return err
	}
	e.Side = parsed

	if err := json.Unmarshal(raw[1], &e.Price); err != nil {
		return fmt.Errorf("change price: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.Volume); err != nil {
		return fmt.Errorf("change volume: %w", err)
	}
	return nil
}

// bookPayload covers both the snapshot and the incremental book payloads
type bookPayload struct {
	Type    string        `json:"type"`
	Bids    []levelEntry  `json:"bids"`
	Asks    []levelEntry  `json:"asks"`
	Changes []changeEntry `json:"changes"`
}

func (p *bookPayload) isSnapshot() bool {
	return p.Type == payloadSnapshot
}

// decodeBookPayload decodes the whole payload before anything is applied, so
// a malformed entry leaves the book untouched
func decodeBookPayload(data json.RawMessage) (*bookPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty book payload", ErrParseFailure)
	}
	var p bookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	return &p, nil
}

func toVolumeMap(entries []levelEntry) map[float64]float64 {
	m := make(map[float64]float64, len(entries))
	for _, e := range entries {
		// Later duplicates win
		m[e.Price] = e.Volume
	}
	return m
}
