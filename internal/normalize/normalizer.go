// Package normalize converts raw push-stream message batches into typed
// listing events.
//
// A batch arrives as a JSON array of event envelopes. The normalizer keeps
// only the two relevant event kinds ("listing-update" and "listing-delete"),
// drops envelopes that fail required-field validation, and tags every
// surviving event with an hour bucket computed from the wall clock at
// normalization time. It is a pure function of its input batch and performs
// no I/O.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/Mohcka/bptf-analyzer/internal/model"
	"github.com/Mohcka/bptf-analyzer/internal/utils"
)

const (
	eventListingUpdate = "listing-update"
	eventListingDelete = "listing-delete"
)

// envelope is the outer wrapper of one stream event.
//
// Example wire format:
//
//	{
//		"id": "440_76561198012345678_abc",
//		"event": "listing-update",
//		"payload": {
//			"id": "440_...",
//			"item": {
//				"name": "Mann Co. Supply Crate Key",
//				"quality": {"name": "Unique", "color": "#7D6D00"},
//				"imageUrl": "https://...",
//				"price": {"community": {"usd": 1.77}}
//			},
//			"currencies": {"metal": 62.11, "keys": 1},
//			"value": {"raw": 62.11}
//		}
//	}
type envelope struct {
	ID      string  `json:"id"`
	Event   string  `json:"event" validate:"required"`
	Payload payload `json:"payload"`
}

type payload struct {
	ID         string     `json:"id"`
	Item       item       `json:"item" validate:"required"`
	Currencies currencies `json:"currencies"`
	Value      value      `json:"value"`
}

type item struct {
	Name     string  `json:"name" validate:"required"`
	Quality  quality `json:"quality"`
	ImageURL string  `json:"imageUrl"`
	Price    price   `json:"price"`
}

type quality struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type price struct {
	Community *communityPrice `json:"community"`
}

type communityPrice struct {
	USD observation `json:"usd"`
}

type currencies struct {
	Metal observation `json:"metal"`
	Keys  observation `json:"keys"`
}

type value struct {
	Raw observation `json:"raw"`
}

// observation is a tolerant numeric field: numbers and numeric strings
// decode to a present decimal, while null, absent and malformed values all
// decode to an absent one. A malformed currency value must never poison the
// rest of its batch.
type observation struct {
	value decimal.NullDecimal
}

// UnmarshalJSON never reports an error; anything unparseable is absent.
func (o *observation) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}

	o.value = decimal.NullDecimal{Decimal: d, Valid: true}
	return nil
}

// Normalizer parses and filters raw stream batches.
type Normalizer struct {
	validate *validator.Validate
}

// New returns a ready-to-use Normalizer.
func New() *Normalizer {
	return &Normalizer{validate: validator.New()}
}

// Batch parses one raw message into normalized events.
//
// It returns the surviving events tagged with now's hour bucket, plus the
// number of envelopes that were dropped (irrelevant kind or failed
// validation). A batch that is not valid JSON at the top level is an error;
// per-envelope problems never are.
func (n *Normalizer) Batch(raw []byte, now time.Time) ([]model.RawEvent, int, error) {
	var envelopes []envelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, 0, fmt.Errorf("invalid batch JSON: %w", err)
	}

	hour := utils.TruncateToHour(now)

	events := make([]model.RawEvent, 0, len(envelopes))
	dropped := 0

	for _, env := range envelopes {
		ev, ok := n.normalizeOne(env, hour)
		if !ok {
			dropped++
			continue
		}
		events = append(events, ev)
	}

	return events, dropped, nil
}

// normalizeOne converts a single envelope, reporting ok=false when the
// envelope is irrelevant or malformed.
func (n *Normalizer) normalizeOne(env envelope, hour time.Time) (model.RawEvent, bool) {
	var kind model.EventKind
	switch env.Event {
	case eventListingUpdate:
		kind = model.ListingUpdate
	case eventListingDelete:
		kind = model.ListingDelete
	default:
		return model.RawEvent{}, false
	}

	if err := n.validate.Struct(&env); err != nil {
		return model.RawEvent{}, false
	}

	p := env.Payload

	ev := model.RawEvent{
		Kind:        kind,
		ListingID:   p.ID,
		ItemName:    p.Item.Name,
		QualityName: p.Item.Quality.Name,
		ImageURL:    p.Item.ImageURL,
		Color:       p.Item.Quality.Color,
		HourBucket:  hour,
		PriceValue:  p.Value.Raw.value,
		KeysAmount:  p.Currencies.Keys.value,
		MetalAmount: p.Currencies.Metal.value,
	}

	if p.Item.Price.Community != nil {
		ev.PriceUSD = p.Item.Price.Community.USD.value
	}

	return ev, true
}
