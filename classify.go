package carevault

import (
	"fmt"
	"os"
	"sort"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"
)

// InstrumentPolicy is the injected, versioned configuration for one screening
// instrument. The classifier contains no hard-coded clinical thresholds;
// instrument updates ship as new policy files.
type InstrumentPolicy struct {
	Instrument string       `yaml:"instrument"`
	Version    int          `yaml:"version"`
	Items      []ItemSpec   `yaml:"items"`
	Bands      []Band       `yaml:"bands"`
	Crisis     []CrisisRule `yaml:"crisis"`

	itemIndex map[string]ItemSpec
}

// ItemSpec declares one scored answer item. Scores are non-negative integers
// in [0, Max].
type ItemSpec struct {
	Name string `yaml:"name"`
	Max  int    `yaml:"max"`
}

// Band maps a total-score interval to a risk label. The lower bound is
// inclusive, the upper bound exclusive.
type Band struct {
	Label RiskLabel `yaml:"label"`
	Min   int       `yaml:"min"`
	Max   int       `yaml:"max"`
}

// CrisisRule is a single-item predicate evaluated independently of the
// overall band: answer[Item] >= Threshold raises the crisis flag.
type CrisisRule struct {
	Item      string `yaml:"item"`
	Threshold int    `yaml:"threshold"`
}

// LoadInstrumentPolicy reads and validates a policy file. A malformed policy
// fails here, at load time, never at classification time.
func LoadInstrumentPolicy(path string) (*InstrumentPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read policy file %s: %w", ErrInvalidPolicy, path, err)
	}
	return ParseInstrumentPolicy(data)
}

// ParseInstrumentPolicy parses and validates policy YAML.
func ParseInstrumentPolicy(data []byte) (*InstrumentPolicy, error) {
	var p InstrumentPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return &p, nil
}

// MaxScore returns the highest total score the instrument can produce.
func (p *InstrumentPolicy) MaxScore() int {
	total := 0
	for _, item := range p.Items {
		total += item.Max
	}
	return total
}

// Validate checks the policy is structurally sound: items declared, band
// boundaries contiguous and exhaustive over [0, MaxScore], crisis rules
// referencing declared items within their score range.
func (p *InstrumentPolicy) Validate() error {
	var errs errsx.Map

	if p.Instrument == "" {
		errs.Set("instrument", fmt.Errorf("instrument name is required"))
	}
	if p.Version <= 0 {
		errs.Set("version", fmt.Errorf("version must be positive, got %d", p.Version))
	}
	if len(p.Items) == 0 {
		errs.Set("items", fmt.Errorf("at least one item is required"))
	}

	p.itemIndex = make(map[string]ItemSpec, len(p.Items))
	for i, item := range p.Items {
		key := fmt.Sprintf("items[%d]", i)
		if item.Name == "" {
			errs.Set(key, fmt.Errorf("item name is required"))
			continue
		}
		if item.Max <= 0 {
			errs.Set(key, fmt.Errorf("item '%s' max must be positive, got %d", item.Name, item.Max))
		}
		if _, dup := p.itemIndex[item.Name]; dup {
			errs.Set(key, fmt.Errorf("duplicate item '%s'", item.Name))
		}
		p.itemIndex[item.Name] = item
	}

	if len(p.Bands) == 0 {
		errs.Set("bands", fmt.Errorf("at least one band is required"))
		return errs.AsError()
	}

	bands := make([]Band, len(p.Bands))
	copy(bands, p.Bands)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })

	for i, b := range bands {
		key := fmt.Sprintf("bands[%d]", i)
		if !ValidRiskLabel(b.Label) {
			errs.Set(key, fmt.Errorf("unknown risk label '%s'", b.Label))
		}
		if b.Max <= b.Min {
			errs.Set(key, fmt.Errorf("band '%s' upper bound %d must exceed lower bound %d", b.Label, b.Max, b.Min))
		}
	}

	// Bands must tile [0, MaxScore] exactly: first lower bound 0, each
	// upper bound equal to the next lower bound, last upper bound one past
	// the maximum reachable score (upper bounds are exclusive).
	if bands[0].Min != 0 {
		errs.Set("bands", fmt.Errorf("first band must start at 0, got %d", bands[0].Min))
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Min != bands[i-1].Max {
			errs.Set("bands", fmt.Errorf("gap or overlap between band '%s' (ends %d) and band '%s' (starts %d)",
				bands[i-1].Label, bands[i-1].Max, bands[i].Label, bands[i].Min))
			break
		}
	}
	if max := p.MaxScore(); bands[len(bands)-1].Max != max+1 {
		errs.Set("bands", fmt.Errorf("bands must cover scores up to %d exclusive, last band ends at %d",
			max+1, bands[len(bands)-1].Max))
	}

	for i, rule := range p.Crisis {
		key := fmt.Sprintf("crisis[%d]", i)
		item, ok := p.itemIndex[rule.Item]
		if !ok {
			errs.Set(key, fmt.Errorf("crisis rule references undeclared item '%s'", rule.Item))
			continue
		}
		if rule.Threshold < 1 || rule.Threshold > item.Max {
			errs.Set(key, fmt.Errorf("crisis threshold %d for item '%s' outside score range [1, %d]",
				rule.Threshold, rule.Item, item.Max))
		}
	}

	return errs.AsError()
}

// Classify derives the risk band and crisis flag from plaintext answers. The
// two outputs are always computed together and must be persisted atomically
// with the record: a subject can land in a non-critical band with the crisis
// flag raised when a single critical item meets its threshold.
func Classify(answers map[string]int, p *InstrumentPolicy) (RiskLabel, bool, error) {
	if p == nil {
		return "", false, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if p.itemIndex == nil {
		if err := p.Validate(); err != nil {
			return "", false, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}
	}

	total := 0
	for name, value := range answers {
		item, ok := p.itemIndex[name]
		if !ok {
			return "", false, fmt.Errorf("%w: answer for undeclared item '%s'", ErrInvalidSubmission, name)
		}
		if value < 0 || value > item.Max {
			return "", false, fmt.Errorf("%w: answer for item '%s' outside score range [0, %d]", ErrInvalidSubmission, name, item.Max)
		}
		total += value
	}

	var label RiskLabel
	for _, b := range p.Bands {
		if total >= b.Min && total < b.Max {
			label = b.Label
			break
		}
	}
	if label == "" {
		// Unreachable for a validated policy; kept as a hard stop.
		return "", false, fmt.Errorf("%w: score %d not covered by any band", ErrInvalidPolicy, total)
	}

	crisis := false
	for _, rule := range p.Crisis {
		if answers[rule.Item] >= rule.Threshold {
			crisis = true
			break
		}
	}

	return label, crisis, nil
}
