package symbols

import (
	"fmt"
	"os"

	"chart-service/internal/models"

	"gopkg.in/yaml.v3"
)

// WatchlistConfig represents the YAML watchlist structure
type WatchlistConfig struct {
	Charts []struct {
		Symbol   string `yaml:"symbol"`
		Interval string `yaml:"interval"`
	} `yaml:"charts"`
}

// LoadWatchlist loads the charts whose history is warmed at startup
func LoadWatchlist(filePath string) ([]models.FeedKey, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}

	var config WatchlistConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist YAML: %w", err)
	}

	keys := make([]models.FeedKey, 0, len(config.Charts))
	for _, c := range config.Charts {
		key := models.NewFeedKey(c.Symbol, c.Interval)
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("watchlist entry %s: %w", key, err)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no charts found in watchlist file")
	}

	return keys, nil
}
