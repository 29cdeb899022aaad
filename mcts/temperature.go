package mcts

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ExponentialDecay models a value that decays exponentially from a start
// value toward an asymptote with a given half life, stepped once per move.
//
// Parsed from strings of the form:
//
//	"1"                   constant
//	"1.4->1.1:2*sqrt(b)"  from 1.4 toward 1.1, half life 2*sqrt(b)
//
// where the half-life expression may reference variables supplied by the
// caller's bindings (typically game constants such as the board size).
type ExponentialDecay struct {
	start    float64
	end      float64
	halfLife float64
	value    float64
}

// ParseExponentialDecay parses s, resolving variables via bindings.
func ParseExponentialDecay(s string, bindings map[string]float64) (*ExponentialDecay, error) {
	s = strings.TrimSpace(s)
	arrow := strings.Index(s, "->")
	if arrow < 0 {
		v, err := evalScalar(s, bindings)
		if err != nil {
			return nil, fmt.Errorf("mcts: parse decay %q: %w", s, err)
		}
		return &ExponentialDecay{start: v, end: v, halfLife: 1, value: v}, nil
	}

	colon := strings.Index(s, ":")
	if colon < arrow {
		return nil, fmt.Errorf("mcts: parse decay %q: missing half-life", s)
	}
	start, err := evalScalar(s[:arrow], bindings)
	if err != nil {
		return nil, fmt.Errorf("mcts: parse decay %q: %w", s, err)
	}
	end, err := evalScalar(s[arrow+2:colon], bindings)
	if err != nil {
		return nil, fmt.Errorf("mcts: parse decay %q: %w", s, err)
	}
	halfLife, err := evalScalar(s[colon+1:], bindings)
	if err != nil {
		return nil, fmt.Errorf("mcts: parse decay %q: %w", s, err)
	}
	if halfLife <= 0 {
		return nil, fmt.Errorf("mcts: parse decay %q: half-life must be positive", s)
	}
	return &ExponentialDecay{start: start, end: end, halfLife: halfLife, value: start}, nil
}

// Value returns the current value.
func (d *ExponentialDecay) Value() float64 { return d.value }

// Step advances the schedule by one move.
func (d *ExponentialDecay) Step() {
	d.value = d.end + (d.value-d.end)*math.Pow(0.5, 1/d.halfLife)
}

// Reset restores the schedule to its starting value.
func (d *ExponentialDecay) Reset() { d.value = d.start }

// evalScalar evaluates a restricted arithmetic expression: a number, a bound
// variable, sqrt(expr), or a product of such factors joined by '*'.
func evalScalar(s string, bindings map[string]float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty expression")
	}
	product := 1.0
	for _, factor := range strings.Split(s, "*") {
		factor = strings.TrimSpace(factor)
		v, err := evalFactor(factor, bindings)
		if err != nil {
			return 0, err
		}
		product *= v
	}
	return product, nil
}

func evalFactor(s string, bindings map[string]float64) (float64, error) {
	if strings.HasPrefix(s, "sqrt(") && strings.HasSuffix(s, ")") {
		inner, err := evalScalar(s[len("sqrt("):len(s)-1], bindings)
		if err != nil {
			return 0, err
		}
		return math.Sqrt(inner), nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if v, ok := bindings[s]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown term %q", s)
}
