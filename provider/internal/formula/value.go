package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindNumber Kind = iota
	KindVector
	KindInterval
	KindSymbol
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "double"
	case KindVector:
		return "doubleVec"
	case KindInterval:
		return "timeinterval"
	case KindSymbol:
		return "symbol"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the result of an expression. Only the field matching Kind is meaningful.
type Value struct {
	Kind     Kind
	Number   float64
	Vector   []float64
	Interval time.Duration
	Symbol   string
}

func Number(n float64) Value         { return Value{Kind: KindNumber, Number: n} }
func Vector(v []float64) Value       { return Value{Kind: KindVector, Vector: v} }
func Interval(d time.Duration) Value { return Value{Kind: KindInterval, Interval: d} }
func Symbol(name string) Value       { return Value{Kind: KindSymbol, Symbol: name} }

func boolean(b bool) Value {
	if b {
		return Number(1)
	}
	return Number(0)
}

func (v Value) truthy() bool {
	return v.Number != 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return formatNumber(v.Number)
	case KindVector:
		parts := make([]string, len(v.Vector))
		for i, n := range v.Vector {
			parts[i] = formatNumber(n)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindInterval:
		return v.Interval.String()
	case KindSymbol:
		return v.Symbol
	default:
		return "?"
	}
}

func formatNumber(n float64) string {
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// flatten turns numbers and vectors into a single list of doubles, as
// aggregate functions accept any mix of both.
func flatten(name string, args []Value) ([]float64, error) {
	var result []float64
	for i, arg := range args {
		switch arg.Kind {
		case KindNumber:
			result = append(result, arg.Number)
		case KindVector:
			result = append(result, arg.Vector...)
		default:
			return nil, fmt.Errorf("%s: argument %d must be a double or doubleVec, got %s", name, i+1, arg.Kind)
		}
	}
	return result, nil
}
