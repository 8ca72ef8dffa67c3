package core

import "fmt"

// ScalePolicy reconciles local orders at a level when the feed reports less
// volume than the client believes it has resting there.
type ScalePolicy interface {
	// Reconcile is called with the level's local orders when their combined
	// remaining amount exceeds feedVolume. The book lock is held.
	Reconcile(orders []*Order, feedVolume, localVolume float64)
}

// ProportionalScale shrinks every local order's remaining amount by
// feedVolume/localVolume so the local sum matches the feed.
type ProportionalScale struct{}

// Reconcile implements ScalePolicy
func (ProportionalScale) Reconcile(orders []*Order, feedVolume, localVolume float64) {
	if localVolume <= 0 {
		return
	}
	ratio := feedVolume / localVolume
	for _, o := range orders {
		o.scaleRemaining(ratio)
	}
}

// NoScale leaves local orders untouched and lets the feed volume diverge.
type NoScale struct{}

// Reconcile implements ScalePolicy
func (NoScale) Reconcile([]*Order, float64, float64) {}

// ParseScalePolicy maps a config value to a policy
func ParseScalePolicy(name string) (ScalePolicy, error) {
	switch name {
	case "", "proportional":
		return ProportionalScale{}, nil
	case "none":
		return NoScale{}, nil
	default:
		return nil, fmt.Errorf("%w: scale policy %q", ErrInvalidArgument, name)
	}
}
