package aggregation

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnsupportedAggregationRule = errors.New("unsupported aggregation rule")
	ErrInvalidAggregationConfig   = errors.New("invalid aggregation config")
	ErrNoUpdates                  = errors.New("no updates to aggregate")
)

// Rule selects the server-side combination rule.
type Rule int

const (
	FedAvg Rule = iota
	FLTrust
	TMean
	FLTC
)

var ruleNames = map[Rule]string{
	FedAvg:  "FedAvg",
	FLTrust: "FLTrust",
	TMean:   "T_Mean",
	FLTC:    "FLTC",
}

func (r Rule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return "Rule(" + strconv.Itoa(int(r)) + ")"
}

// ParseRule maps a configuration string to a Rule.
func ParseRule(s string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fedavg", "fed_avg":
		return FedAvg, nil
	case "fltrust":
		return FLTrust, nil
	case "t_mean", "tmean", "trimmed_mean":
		return TMean, nil
	case "fltc":
		return FLTC, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedAggregationRule, "%q", s)
}

func (r Rule) MarshalText() ([]byte, error) {
	if _, ok := ruleNames[r]; !ok {
		return nil, errors.Wrapf(ErrUnsupportedAggregationRule, "%d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Rule) UnmarshalText(text []byte) error {
	rule, err := ParseRule(string(text))
	if err != nil {
		return err
	}
	*r = rule
	return nil
}
