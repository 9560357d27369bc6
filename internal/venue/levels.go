package venue

import (
	"fmt"
	"strconv"
)

// ParseLevels decodes [price, size] string pairs as venue APIs send
// them into price levels.
func ParseLevels(raw [][2]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		size, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", pair[1], err)
		}
		levels = append(levels, PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}
