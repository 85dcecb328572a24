package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"launchpad/internal/ledger"
)

// FeeSchedule is the static fee table used when no fee oracle URL is set.
//
//	fees:
//	  deploy: "100000000"
//	  ledger_transfer: "10000"
type FeeSchedule struct {
	Fees map[string]string `yaml:"fees"`
}

// DefaultFees mirrors the reference deployment when no schedule file is given.
func DefaultFees() map[string]ledger.Amount {
	return map[string]ledger.Amount{
		"deploy":          100_000_000,
		"ledger_transfer": 10_000,
	}
}

// LoadFeeSchedule reads a YAML fee table. An empty path returns DefaultFees.
func LoadFeeSchedule(path string) (map[string]ledger.Amount, error) {
	if path == "" {
		return DefaultFees(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule: %w", err)
	}
	return ParseFeeSchedule(raw)
}

// ParseFeeSchedule decodes a YAML fee table, rejecting unknown top-level keys.
func ParseFeeSchedule(raw []byte) (map[string]ledger.Amount, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var schedule FeeSchedule
	if err := dec.Decode(&schedule); err != nil {
		return nil, fmt.Errorf("decode fee schedule: %w", err)
	}
	if len(schedule.Fees) == 0 {
		return nil, errors.New("fee schedule has no fees")
	}

	services := make([]string, 0, len(schedule.Fees))
	for service := range schedule.Fees {
		services = append(services, service)
	}
	sort.Strings(services)

	out := make(map[string]ledger.Amount, len(services))
	for _, service := range services {
		amount, err := ledger.ParseAmount(schedule.Fees[service])
		if err != nil {
			return nil, fmt.Errorf("fee %s: %w", service, err)
		}
		out[service] = amount
	}
	return out, nil
}
