package settlement

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// Destination is a settlement domain the orchestrator can deliver to.
type Destination struct {
	// ID is the canonical identifier, e.g. "arbitrum-sepolia".
	ID string `yaml:"id" json:"id"`
	// Name is a display name.
	Name string `yaml:"name" json:"name"`
	// Domain is the bridge protocol's numeric domain.
	Domain uint32 `yaml:"domain" json:"domain"`
	// Aliases are accepted spellings, matched after normalization.
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
	// FeeBps is the protocol fee in basis points of the amount.
	FeeBps int64 `yaml:"fee_bps" json:"fee_bps"`
	// FixedFee is a flat destination-side execution fee.
	FixedFee money.Amount `yaml:"fixed_fee" json:"fixed_fee"`
}

// Table is the static lookup table mapping free-form destination values to
// canonical destinations. It is immutable after construction.
type Table struct {
	source  string
	byID    map[string]Destination
	byAlias map[string]string
}

type tableFile struct {
	Source       string        `yaml:"source"`
	Destinations []Destination `yaml:"destinations"`
}

// DefaultSource is the home ledger of the escrow.
const DefaultSource = "base-sepolia"

// DefaultDestinations is the built-in table. Domains follow the CCTP numbering.
var DefaultDestinations = []Destination{
	{ID: "ethereum-sepolia", Name: "Ethereum Sepolia", Domain: 0, Aliases: []string{"ethereum", "eth", "sepolia", "Ethereum_Sepolia"}, FeeBps: 1, FixedFee: money.MustParse("0.50")},
	{ID: "avalanche-fuji", Name: "Avalanche Fuji", Domain: 1, Aliases: []string{"avalanche", "avax", "fuji", "Avalanche_Fuji"}, FeeBps: 1, FixedFee: money.MustParse("0.05")},
	{ID: "optimism-sepolia", Name: "OP Sepolia", Domain: 2, Aliases: []string{"optimism", "op", "OP_Sepolia"}, FeeBps: 1, FixedFee: money.MustParse("0.02")},
	{ID: "arbitrum-sepolia", Name: "Arbitrum Sepolia", Domain: 3, Aliases: []string{"arbitrum", "arb", "Arbitrum_Sepolia"}, FeeBps: 1, FixedFee: money.MustParse("0.02")},
	{ID: "solana-devnet", Name: "Solana Devnet", Domain: 5, Aliases: []string{"solana", "sol", "Solana_Devnet"}, FeeBps: 1, FixedFee: money.MustParse("0.01")},
	{ID: "base-sepolia", Name: "Base Sepolia", Domain: 6, Aliases: []string{"base", "Base_Sepolia"}},
	{ID: "polygon-amoy", Name: "Polygon Amoy", Domain: 7, Aliases: []string{"polygon", "matic", "amoy", "Polygon_Amoy_Testnet"}, FeeBps: 1, FixedFee: money.MustParse("0.02")},
}

// DefaultTable returns the built-in table rooted at DefaultSource.
func DefaultTable() *Table {
	t, err := NewTable(DefaultSource, DefaultDestinations)
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable builds a table. source must be one of the destinations.
func NewTable(source string, dests []Destination) (*Table, error) {
	t := &Table{
		byID:    make(map[string]Destination, len(dests)),
		byAlias: make(map[string]string),
	}
	for _, d := range dests {
		id := normalizeKey(d.ID)
		if id == "" {
			return nil, fmt.Errorf("settlement: destination with empty id")
		}
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("settlement: duplicate destination %q", id)
		}
		d.ID = id
		if d.Name == "" {
			d.Name = id
		}
		t.byID[id] = d
		t.byAlias[id] = id
		for _, a := range d.Aliases {
			key := normalizeKey(a)
			if prev, ok := t.byAlias[key]; ok && prev != id {
				return nil, fmt.Errorf("settlement: alias %q maps to both %s and %s", a, prev, id)
			}
			t.byAlias[key] = id
		}
	}
	t.source = normalizeKey(source)
	if _, ok := t.byID[t.source]; !ok {
		return nil, fmt.Errorf("settlement: source %q is not in the destination table", source)
	}
	return t, nil
}

// LoadTable reads a YAML table. Entries override built-in destinations with
// the same id; a missing source keeps DefaultSource.
func LoadTable(r io.Reader) (*Table, error) {
	var f tableFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("settlement: parse destinations: %w", err)
	}
	merged := make(map[string]Destination, len(DefaultDestinations)+len(f.Destinations))
	for _, d := range DefaultDestinations {
		merged[normalizeKey(d.ID)] = d
	}
	for _, d := range f.Destinations {
		merged[normalizeKey(d.ID)] = d
	}
	dests := make([]Destination, 0, len(merged))
	for _, d := range merged {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return normalizeKey(dests[i].ID) < normalizeKey(dests[j].ID) })
	source := f.Source
	if source == "" {
		source = DefaultSource
	}
	return NewTable(source, dests)
}

// LoadTableFile loads a YAML table from path. An empty path returns the
// built-in table.
func LoadTableFile(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("settlement: open destinations: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadTable(f)
}

// Source returns the canonical source destination.
func (t *Table) Source() Destination { return t.byID[t.source] }

// Normalize maps a free-form value to a canonical destination. The empty
// value means the source domain.
func (t *Table) Normalize(value string) (Destination, error) {
	key := normalizeKey(value)
	if key == "" {
		return t.Source(), nil
	}
	id, ok := t.byAlias[key]
	if !ok {
		return Destination{}, errcode.UnsupportedDestination.Withf("%q", value)
	}
	return t.byID[id], nil
}

// IsSource reports whether d is the source domain.
func (t *Table) IsSource(d Destination) bool { return d.ID == t.source }

// List returns the destinations other than the source, ordered by id.
func (t *Table) List() []Destination {
	out := make([]Destination, 0, len(t.byID))
	for id, d := range t.byID {
		if id != t.source {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}

// Fee is the pre-flight estimate of a settlement.
type Fee struct {
	Destination string       `json:"destination"`
	Amount      money.Amount `json:"amount"`
	ProtocolFee money.Amount `json:"protocol_fee"`
	FixedFee    money.Amount `json:"fixed_fee"`
	Total       money.Amount `json:"total_fee"`
	Receive     money.Amount `json:"receive"`
	SameChain   bool         `json:"same_chain"`
}

// EstimateFee computes the fees of delivering amount to destination. It is a
// pure read.
func (t *Table) EstimateFee(amount money.Amount, destination string) (Fee, error) {
	if amount < 0 {
		return Fee{}, errcode.InvalidAmount.Withf("negative amount")
	}
	d, err := t.Normalize(destination)
	if err != nil {
		return Fee{}, err
	}
	fee := Fee{Destination: d.ID, Amount: amount, SameChain: t.IsSource(d)}
	if !fee.SameChain {
		fee.ProtocolFee = amount.MulBps(d.FeeBps)
		fee.FixedFee = d.FixedFee
	}
	fee.Total = fee.ProtocolFee + fee.FixedFee
	fee.Receive = amount - fee.Total
	if fee.Receive < 0 {
		fee.Receive = 0
	}
	return fee, nil
}
