package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Sizing maps (account, ticker) to the quantity traded per signal.
type Sizing struct {
	DefaultQuantity int                       `yaml:"default_quantity" default:"0" validate:"gte=0"` // 0 means unlisted tickers are skipped
	Accounts        map[string]map[string]int `yaml:"accounts" validate:"dive,dive,gt=0"`            // account -> ticker -> quantity
}

// LoadSizing reads the YAML sizing table. A missing file yields an empty table.
func LoadSizing(path string) (*Sizing, error) {
	s := &Sizing{}
	if err := defaults.Set(s); err != nil {
		return nil, fmt.Errorf("sizing defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sizing file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse sizing file %s: %w", path, err)
	}
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid sizing file %s: %w", path, err)
	}
	return s, nil
}

// Quantity returns the configured quantity for account and ticker.
// Tickers are matched case-insensitively.
func (s *Sizing) Quantity(account, ticker string) (int, bool) {
	if s == nil {
		return 0, false
	}
	if byTicker, ok := s.Accounts[account]; ok {
		for t, q := range byTicker {
			if strings.EqualFold(t, ticker) {
				return q, true
			}
		}
	}
	if s.DefaultQuantity > 0 {
		return s.DefaultQuantity, true
	}
	return 0, false
}
