package domain

import (
	"errors"
	"fmt"
	"strings"
)

type MeterType string

const (
	MeterIntegrated MeterType = "integrated"
	MeterSplit      MeterType = "split"
	MeterGas        MeterType = "gas"
	MeterWater      MeterType = "water"
	MeterSmart      MeterType = "smart"
	MeterThreePhase MeterType = "three_phase"
)

// MeterTypes lists every supported type in display order.
var MeterTypes = []MeterType{MeterIntegrated, MeterSplit, MeterGas, MeterWater, MeterSmart, MeterThreePhase}

type MeterState string

const (
	StateInStock   MeterState = "in_stock"
	StateWithAgent MeterState = "with_agent"
	StateSold      MeterState = "sold"
	StateFaulty    MeterState = "faulty"
	StateScrapped  MeterState = "scrapped"
)

var MeterStates = []MeterState{StateInStock, StateWithAgent, StateSold, StateFaulty, StateScrapped}

type EventKind string

const (
	EventAdded          EventKind = "added"
	EventAssigned       EventKind = "assigned"
	EventAgentReturned  EventKind = "agent_returned"
	EventSold           EventKind = "sold"
	EventAgentSold      EventKind = "agent_sold"
	EventReturned       EventKind = "returned"
	EventReplaced       EventKind = "replaced"
	EventReplacementOut EventKind = "replacement_issued"
	EventReportedFaulty EventKind = "reported_faulty"
	EventRepaired       EventKind = "repaired"
	EventScrapped       EventKind = "scrapped"
	EventRemoved        EventKind = "removed"
)

var ErrIllegalTransition = errors.New("illegal meter state transition")

var transitions = map[MeterState][]MeterState{
	StateInStock:   {StateWithAgent, StateSold, StateFaulty},
	StateWithAgent: {StateInStock, StateSold, StateFaulty},
	StateSold:      {StateInStock, StateFaulty},
	StateFaulty:    {StateInStock, StateScrapped},
}

func CanTransition(from MeterState, to MeterState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidateTransition(serial string, from MeterState, to MeterState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrIllegalTransition, serial, from, to)
	}
	return nil
}

// CanRemove reports whether a meter in the given state may be deleted outright.
func CanRemove(state MeterState) bool {
	return state == StateInStock
}

func ParseMeterType(raw string) (MeterType, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, " ", "_")
	if value == "3_phase" || value == "3phase" {
		value = string(MeterThreePhase)
	}
	for _, t := range MeterTypes {
		if string(t) == value {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown meter type %q", raw)
}

func ParseMeterState(raw string) (MeterState, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range MeterStates {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown meter state %q", raw)
}

func NormalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

// NormalizeSerials trims and upper-cases serials and returns the ones that
// appear more than once in the input.
func NormalizeSerials(serials []string) ([]string, []string) {
	seen := make(map[string]bool, len(serials))
	normalized := make([]string, 0, len(serials))
	var dupes []string
	for _, raw := range serials {
		serial := NormalizeSerial(raw)
		if serial == "" {
			continue
		}
		if seen[serial] {
			dupes = append(dupes, serial)
			continue
		}
		seen[serial] = true
		normalized = append(normalized, serial)
	}
	return normalized, dupes
}

// Recompute derives the batch count, total and per-type lines from the items
// that have not been returned.
func (b *SaleBatch) Recompute() {
	totals := make(map[MeterType]*SaleLine)
	b.MeterCount = 0
	b.TotalCents = 0
	for _, item := range b.Items {
		if item.Returned {
			continue
		}
		line, ok := totals[item.Type]
		if !ok {
			line = &SaleLine{Type: item.Type}
			totals[item.Type] = line
		}
		line.Qty++
		line.TotalCents += item.UnitPriceCents
		b.MeterCount++
		b.TotalCents += item.UnitPriceCents
	}
	b.Lines = make([]SaleLine, 0, len(totals))
	for _, meterType := range MeterTypes {
		if line, ok := totals[meterType]; ok {
			b.Lines = append(b.Lines, *line)
		}
	}
}

// HasType reports whether any active line of the batch is of the given type.
func (b *SaleBatch) HasType(meterType MeterType) bool {
	for _, line := range b.Lines {
		if line.Type == meterType {
			return true
		}
	}
	return false
}

// CountByType tallies items per meter type.
func CountByType(items []SaleItem) map[MeterType]int {
	counts := make(map[MeterType]int)
	for _, item := range items {
		counts[item.Type]++
	}
	return counts
}
