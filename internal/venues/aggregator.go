// Package venues holds the latest per-venue price snapshot for the
// cross-venue comparison view.
//
// Unlike the candle series there is no temporal reconciliation here: each
// push is a complete replacement for its venue, not a delta.
package venues

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mehmetmajidi/arbimind-web-sub002/internal/model"
)

// Aggregator keeps the latest snapshot per venue identifier.
type Aggregator struct {
	mu       sync.RWMutex
	byVenue  map[string]model.VenueSnapshot
	validate *validator.Validate
}

// venuePayload is one venue entry in the stream's venue-list message.
// Numeric fields arrive as decimal strings.
type venuePayload struct {
	VenueID   string `json:"venueId" validate:"required"`
	Price     string `json:"price" validate:"omitempty,numeric"`
	Change24h string `json:"change24h" validate:"omitempty,numeric"`
	High24h   string `json:"high24h" validate:"omitempty,numeric"`
	Low24h    string `json:"low24h" validate:"omitempty,numeric"`
	Volume24h string `json:"volume24h" validate:"omitempty,numeric"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// venueListPayload is the full snapshot pushed per stream message.
type venueListPayload struct {
	Venues []venuePayload `json:"venues" validate:"dive"`
}

// NewAggregator creates an empty venue aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		byVenue:  make(map[string]model.VenueSnapshot),
		validate: validator.New(),
	}
}

// Apply replaces the entry for the snapshot's venue wholesale.
func (a *Aggregator) Apply(s model.VenueSnapshot) {
	if s.VenueID == "" {
		return
	}
	s.Best = false
	a.mu.Lock()
	a.byVenue[s.VenueID] = s
	a.mu.Unlock()
}

// HandleMessage parses a full venue-list payload from the stream and
// applies every entry. Unparseable entries are logged and skipped.
func (a *Aggregator) HandleMessage(raw []byte) error {
	var payload venueListPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid venue payload: %w", err)
	}
	if err := a.validate.Struct(&payload); err != nil {
		return fmt.Errorf("venue payload validation failed: %w", err)
	}

	for _, v := range payload.Venues {
		snap, err := toSnapshot(v)
		if err != nil {
			log.Warn().Err(err).Str("venue", v.VenueID).Msg("skipping unparseable venue entry")
			continue
		}
		a.Apply(snap)
	}
	return nil
}

// List returns the held snapshots: available venues first, sorted by
// price descending, with the top-priced available entry flagged as best;
// unavailable venues follow in identifier order.
func (a *Aggregator) List() []model.VenueSnapshot {
	a.mu.RLock()
	available := make([]model.VenueSnapshot, 0, len(a.byVenue))
	unavailable := make([]model.VenueSnapshot, 0)
	for _, s := range a.byVenue {
		if s.Available {
			available = append(available, s)
		} else {
			unavailable = append(unavailable, s)
		}
	}
	a.mu.RUnlock()

	sort.Slice(available, func(i, j int) bool {
		if available[i].Price != available[j].Price {
			return available[i].Price > available[j].Price
		}
		return available[i].VenueID < available[j].VenueID
	})
	sort.Slice(unavailable, func(i, j int) bool {
		return unavailable[i].VenueID < unavailable[j].VenueID
	})

	if len(available) > 0 {
		available[0].Best = true
	}
	return append(available, unavailable...)
}

// toSnapshot converts a wire venue entry to the model type.
func toSnapshot(v venuePayload) (model.VenueSnapshot, error) {
	snap := model.VenueSnapshot{
		VenueID:   v.VenueID,
		Available: v.Available,
		Error:     v.Error,
	}

	fields := []struct {
		raw string
		dst *float64
	}{
		{v.Price, &snap.Price},
		{v.Change24h, &snap.Change24h},
		{v.High24h, &snap.High24h},
		{v.Low24h, &snap.Low24h},
		{v.Volume24h, &snap.Volume24h},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.VenueSnapshot{}, fmt.Errorf("invalid value %q: %w", f.raw, err)
		}
		*f.dst = d.InexactFloat64()
	}
	return snap, nil
}
