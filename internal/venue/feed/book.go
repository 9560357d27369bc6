package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"spread-hedge-bot/internal/venue"
)

// bookMessage is the wire form of an order-book push. Prices and sizes
// arrive as strings, as most venue feeds send them.
type bookMessage struct {
	Channel string      `json:"channel"`
	Symbol  string      `json:"symbol"`
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
	TimeMs  int64       `json:"ts"`
}

// ParseBook decodes an order-book push. The bool is false for
// messages on other channels (pongs, subscription acks).
func ParseBook(raw json.RawMessage) (string, venue.OrderBook, bool, error) {
	var msg bookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", venue.OrderBook{}, false, err
	}
	if msg.Channel != "book" {
		return "", venue.OrderBook{}, false, nil
	}
	bids, err := venue.ParseLevels(msg.Bids)
	if err != nil {
		return "", venue.OrderBook{}, false, fmt.Errorf("book bids for %s: %w", msg.Symbol, err)
	}
	asks, err := venue.ParseLevels(msg.Asks)
	if err != nil {
		return "", venue.OrderBook{}, false, fmt.Errorf("book asks for %s: %w", msg.Symbol, err)
	}
	book := venue.OrderBook{
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(msg.TimeMs),
	}
	return msg.Symbol, book, true, nil
}
