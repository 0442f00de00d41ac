package formula

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"text/scanner"
	"time"
)

// Sample is one data point of a service metric such as $ActiveTasks.
type Sample struct {
	Time  time.Time
	Value float64
}

// Environment is what a formula can read.
type Environment struct {
	Now time.Time
	// Variables holds the readable system variables, e.g. $TargetDedicatedNodes.
	Variables map[string]float64
	// Metrics holds the sample history of each metric, oldest first.
	Metrics map[string][]Sample
	// SampleInterval is the expected spacing between two samples.
	SampleInterval time.Duration
}

// Assignment is the final value of a variable assigned by the formula.
type Assignment struct {
	Name  string
	Value Value
}

func (a Assignment) String() string {
	return a.Name + "=" + a.Value.String()
}

// Result holds the assignments in order of first assignment.
type Result struct {
	Assignments []Assignment
}

// Get returns the final value of a variable.
func (r Result) Get(name string) (Value, bool) {
	for _, a := range r.Assignments {
		if a.Name == name {
			return a.Value, true
		}
	}
	return Value{}, false
}

// EvalError reports a runtime failure, such as an undefined variable.
type EvalError struct {
	Pos scanner.Position
	Msg string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

// ErrInsufficientSamples is returned when a metric does not hold enough history.
var ErrInsufficientSamples = errors.New("insufficient samples")

// constants are the predefined names every formula can read.
var constants = map[string]Value{
	"TimeInterval_Zero":        Interval(0),
	"TimeInterval_100ns":       Interval(100 * time.Nanosecond),
	"TimeInterval_Microsecond": Interval(time.Microsecond),
	"TimeInterval_Millisecond": Interval(time.Millisecond),
	"TimeInterval_Second":      Interval(time.Second),
	"TimeInterval_Minute":      Interval(time.Minute),
	"TimeInterval_Hour":        Interval(time.Hour),
	"TimeInterval_Day":         Interval(24 * time.Hour),
	"TimeInterval_Week":        Interval(7 * 24 * time.Hour),
	"TimeInterval_Year":        Interval(365 * 24 * time.Hour),

	// Node deallocation options
	"requeue":        Symbol("requeue"),
	"terminate":      Symbol("terminate"),
	"taskcompletion": Symbol("taskcompletion"),
	"retaineddata":   Symbol("retaineddata"),
}

type scope struct {
	env    Environment
	values map[string]Value
	order  []string
}

// Evaluate runs the program against env. Nothing is applied: callers decide
// what to do with the resulting assignments.
func (p *Program) Evaluate(env Environment) (Result, error) {
	if env.Now.IsZero() {
		env.Now = time.Now()
	}
	s := &scope{env: env, values: map[string]Value{}}

	for _, statement := range p.statements {
		if _, ok := constants[statement.name]; ok {
			return Result{}, &EvalError{Pos: statement.pos, Msg: fmt.Sprintf("cannot assign to constant '%s'", statement.name)}
		}
		if _, ok := env.Metrics[statement.name]; ok {
			return Result{}, &EvalError{Pos: statement.pos, Msg: fmt.Sprintf("cannot assign to metric '%s'", statement.name)}
		}

		value, err := statement.expr.eval(s)
		if err != nil {
			return Result{}, err
		}
		if _, seen := s.values[statement.name]; !seen {
			s.order = append(s.order, statement.name)
		}
		s.values[statement.name] = value
	}

	result := Result{}
	for _, name := range s.order {
		result.Assignments = append(result.Assignments, Assignment{Name: name, Value: s.values[name]})
	}
	return result, nil
}

// Evaluate parses then evaluates src.
func Evaluate(src string, env Environment) (Result, error) {
	program, err := Parse(src)
	if err != nil {
		return Result{}, err
	}
	return program.Evaluate(env)
}

type node interface {
	eval(s *scope) (Value, error)
}

type literal struct {
	value Value
}

func (n *literal) eval(*scope) (Value, error) {
	return n.value, nil
}

type identifier struct {
	name string
	pos  scanner.Position
}

func (n *identifier) eval(s *scope) (Value, error) {
	if value, ok := s.values[n.name]; ok {
		return value, nil
	}
	if value, ok := s.env.Variables[n.name]; ok {
		return Number(value), nil
	}
	if value, ok := constants[n.name]; ok {
		return value, nil
	}
	if _, ok := s.env.Metrics[n.name]; ok {
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("metric '%s' must be read through one of its methods", n.name)}
	}
	return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("undefined variable '%s'", n.name)}
}

type conditional struct {
	cond, then, otherwise node
	pos                   scanner.Position
}

func (n *conditional) eval(s *scope) (Value, error) {
	cond, err := n.cond.eval(s)
	if err != nil {
		return Value{}, err
	}
	if cond.Kind != KindNumber {
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("condition must be a double, got %s", cond.Kind)}
	}
	if cond.truthy() {
		return n.then.eval(s)
	}
	return n.otherwise.eval(s)
}

type unaryOp struct {
	op      rune
	operand node
	pos     scanner.Position
}

func (n *unaryOp) eval(s *scope) (Value, error) {
	v, err := n.operand.eval(s)
	if err != nil {
		return Value{}, err
	}

	switch {
	case n.op == '+':
		return v, nil
	case n.op == '!' && v.Kind == KindNumber:
		return boolean(!v.truthy()), nil
	case n.op == '-' && v.Kind == KindNumber:
		return Number(-v.Number), nil
	case n.op == '-' && v.Kind == KindInterval:
		return Interval(-v.Interval), nil
	case n.op == '-' && v.Kind == KindVector:
		return Vector(mapVector(v.Vector, func(x float64) float64 { return -x })), nil
	default:
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("operator '%c' does not apply to %s", n.op, v.Kind)}
	}
}

type binaryOp struct {
	op          rune
	text        string
	left, right node
	pos         scanner.Position
}

func (n *binaryOp) eval(s *scope) (Value, error) {
	left, err := n.left.eval(s)
	if err != nil {
		return Value{}, err
	}

	// Logical operators short-circuit
	if n.op == tokAnd || n.op == tokOr {
		if left.Kind != KindNumber {
			return Value{}, n.mismatch(left, Value{Kind: KindNumber})
		}
		if n.op == tokAnd && !left.truthy() {
			return Number(0), nil
		}
		if n.op == tokOr && left.truthy() {
			return Number(1), nil
		}
	}

	right, err := n.right.eval(s)
	if err != nil {
		return Value{}, err
	}

	switch {
	case left.Kind == KindNumber && right.Kind == KindNumber:
		return n.numbers(left.Number, right.Number)

	case left.Kind == KindInterval && right.Kind == KindInterval:
		return n.intervals(left.Interval, right.Interval)

	case left.Kind == KindInterval && right.Kind == KindNumber && (n.op == '*' || n.op == '/'):
		if n.op == '/' && right.Number == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		if n.op == '/' {
			return Interval(time.Duration(float64(left.Interval) / right.Number)), nil
		}
		return Interval(time.Duration(float64(left.Interval) * right.Number)), nil

	case left.Kind == KindNumber && right.Kind == KindInterval && n.op == '*':
		return Interval(time.Duration(float64(right.Interval) * left.Number)), nil

	case left.Kind == KindSymbol && right.Kind == KindSymbol && (n.op == tokEq || n.op == tokNe):
		return boolean((left.Symbol == right.Symbol) == (n.op == tokEq)), nil

	case left.Kind == KindVector && right.Kind == KindNumber && isArithmetic(n.op):
		return n.vector(left.Vector, func(x float64) (Value, error) { return n.numbers(x, right.Number) })

	case left.Kind == KindNumber && right.Kind == KindVector && isArithmetic(n.op):
		return n.vector(right.Vector, func(x float64) (Value, error) { return n.numbers(left.Number, x) })

	default:
		return Value{}, n.mismatch(left, right)
	}
}

func isArithmetic(op rune) bool {
	return op == '+' || op == '-' || op == '*' || op == '/'
}

func (n *binaryOp) mismatch(left, right Value) error {
	return &EvalError{Pos: n.pos, Msg: fmt.Sprintf("operator '%s' does not apply to %s and %s", n.text, left.Kind, right.Kind)}
}

func (n *binaryOp) numbers(a, b float64) (Value, error) {
	switch n.op {
	case '+':
		return Number(a + b), nil
	case '-':
		return Number(a - b), nil
	case '*':
		return Number(a * b), nil
	case '/':
		if b == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return Number(a / b), nil
	case '<':
		return boolean(a < b), nil
	case '>':
		return boolean(a > b), nil
	case tokLe:
		return boolean(a <= b), nil
	case tokGe:
		return boolean(a >= b), nil
	case tokEq:
		return boolean(a == b), nil
	case tokNe:
		return boolean(a != b), nil
	case tokAnd:
		return boolean(a != 0 && b != 0), nil
	case tokOr:
		return boolean(a != 0 || b != 0), nil
	default:
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("unknown operator '%s'", n.text)}
	}
}

func (n *binaryOp) intervals(a, b time.Duration) (Value, error) {
	switch n.op {
	case '+':
		return Interval(a + b), nil
	case '-':
		return Interval(a - b), nil
	case '/':
		if b == 0 {
			return Value{}, &EvalError{Pos: n.pos, Msg: "division by zero"}
		}
		return Number(float64(a) / float64(b)), nil
	case '<', '>', tokLe, tokGe, tokEq, tokNe:
		return n.numbers(float64(a), float64(b))
	default:
		return Value{}, n.mismatch(Interval(a), Interval(b))
	}
}

func (n *binaryOp) vector(values []float64, fn func(float64) (Value, error)) (Value, error) {
	result := make([]float64, len(values))
	for i, x := range values {
		v, err := fn(x)
		if err != nil {
			return Value{}, err
		}
		result[i] = v.Number
	}
	return Vector(result), nil
}

func mapVector(values []float64, fn func(float64) float64) []float64 {
	result := make([]float64, len(values))
	for i, x := range values {
		result[i] = fn(x)
	}
	return result
}

type call struct {
	name string
	args []node
	pos  scanner.Position
}

type function func(args []Value) (Value, error)

var functions = map[string]function{
	"avg": aggregate("avg", func(values []float64) float64 {
		return sum(values) / float64(len(values))
	}),
	"max": aggregate("max", func(values []float64) float64 {
		return slices.Max(values)
	}),
	"min": aggregate("min", func(values []float64) float64 {
		return slices.Min(values)
	}),
	"sum": func(args []Value) (Value, error) {
		values, err := flatten("sum", args)
		if err != nil {
			return Value{}, err
		}
		return Number(sum(values)), nil
	},
	"median": aggregate("median", func(values []float64) float64 {
		return percentile(values, 50)
	}),
	"count": countFunction("count"),
	"len":   countFunction("len"),
	"val": func(args []Value) (Value, error) {
		if len(args) != 2 || args[0].Kind != KindVector || args[1].Kind != KindNumber {
			return Value{}, errors.New("val expects (doubleVec, double)")
		}
		index := int(args[1].Number)
		if index < 0 || index >= len(args[0].Vector) {
			return Value{}, fmt.Errorf("val: index %d out of range for a vector of %d elements", index, len(args[0].Vector))
		}
		return Number(args[0].Vector[index]), nil
	},
	"percentile": func(args []Value) (Value, error) {
		if len(args) != 2 || args[0].Kind != KindVector || args[1].Kind != KindNumber {
			return Value{}, errors.New("percentile expects (doubleVec, double)")
		}
		if len(args[0].Vector) == 0 {
			return Value{}, errors.New("percentile of an empty vector")
		}
		return Number(percentile(args[0].Vector, args[1].Number)), nil
	},
	"ceil":  rounding("ceil", math.Ceil),
	"floor": rounding("floor", math.Floor),
	"round": rounding("round", math.Round),
	"abs":   rounding("abs", math.Abs),
}

func aggregate(name string, fn func([]float64) float64) function {
	return func(args []Value) (Value, error) {
		values, err := flatten(name, args)
		if err != nil {
			return Value{}, err
		}
		if len(values) == 0 {
			return Value{}, fmt.Errorf("%s needs at least one value", name)
		}
		return Number(fn(values)), nil
	}
}

func countFunction(name string) function {
	return func(args []Value) (Value, error) {
		values, err := flatten(name, args)
		if err != nil {
			return Value{}, err
		}
		return Number(float64(len(values))), nil
	}
}

func rounding(name string, fn func(float64) float64) function {
	return func(args []Value) (Value, error) {
		if len(args) != 1 || args[0].Kind != KindNumber {
			return Value{}, fmt.Errorf("%s expects a single double", name)
		}
		return Number(fn(args[0].Number)), nil
	}
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

// percentile uses the nearest-rank method.
func percentile(values []float64, p float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank-1, 0), len(sorted)-1)]
}

func (n *call) eval(s *scope) (Value, error) {
	fn, ok := functions[strings.ToLower(n.name)]
	if !ok {
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("unknown function '%s'", n.name)}
	}

	args, err := evalAll(s, n.args)
	if err != nil {
		return Value{}, err
	}
	value, err := fn(args)
	if err != nil {
		return Value{}, &EvalError{Pos: n.pos, Msg: err.Error()}
	}
	return value, nil
}

func evalAll(s *scope, nodes []node) ([]Value, error) {
	values := make([]Value, 0, len(nodes))
	for _, n := range nodes {
		v, err := n.eval(s)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

type methodCall struct {
	receiver node
	name     string
	args     []node
	pos      scanner.Position
}

func (n *methodCall) eval(s *scope) (Value, error) {
	metric, ok := n.receiver.(*identifier)
	if !ok {
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("method '%s' needs a metric receiver", n.name)}
	}
	samples, ok := s.env.Metrics[metric.name]
	if !ok {
		return Value{}, &EvalError{Pos: metric.pos, Msg: fmt.Sprintf("unknown metric '%s'", metric.name)}
	}

	args, err := evalAll(s, n.args)
	if err != nil {
		return Value{}, err
	}

	value, err := s.sampleMethod(n.name, samples, args)
	if err != nil {
		return Value{}, &EvalError{Pos: n.pos, Msg: fmt.Sprintf("%s.%s: %v", metric.name, n.name, err)}
	}
	return value, nil
}

func (s *scope) sampleMethod(name string, samples []Sample, args []Value) (Value, error) {
	switch name {
	case "GetSample":
		return s.getSample(samples, args)

	case "GetSamplePercent":
		if len(args) != 1 || args[0].Kind != KindInterval {
			return Value{}, errors.New("expects a timeinterval")
		}
		return Number(s.samplePercent(samples, args[0].Interval)), nil

	case "Count":
		if len(args) != 0 {
			return Value{}, errors.New("expects no argument")
		}
		return Number(float64(len(samples))), nil

	case "GetSamplePeriod":
		if len(args) != 0 {
			return Value{}, errors.New("expects no argument")
		}
		return Interval(s.env.SampleInterval), nil

	default:
		return Value{}, errors.New("unknown method")
	}
}

// getSample returns the most recent samples first. The first argument is
// either a sample count or a time window; an optional second argument is the
// minimum percentage of expected samples the window must contain.
func (s *scope) getSample(samples []Sample, args []Value) (Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return Value{}, errors.New("expects 1 or 2 arguments")
	}

	var window []Sample
	switch args[0].Kind {
	case KindNumber:
		count := int(args[0].Number)
		if count < 1 {
			return Value{}, fmt.Errorf("sample count must be at least 1, got %d", count)
		}
		if len(samples) == 0 {
			return Value{}, ErrInsufficientSamples
		}
		window = samples[max(0, len(samples)-count):]

	case KindInterval:
		since := s.env.Now.Add(-args[0].Interval)
		for _, sample := range samples {
			if sample.Time.After(since) {
				window = append(window, sample)
			}
		}
		if len(args) == 2 {
			if args[1].Kind != KindNumber {
				return Value{}, errors.New("sample percentage must be a double")
			}
			if percent := s.samplePercent(samples, args[0].Interval); percent < args[1].Number {
				return Value{}, fmt.Errorf("%w: %s of samples available, %s%% required", ErrInsufficientSamples, formatNumber(percent)+"%", formatNumber(args[1].Number))
			}
		}

	default:
		return Value{}, fmt.Errorf("first argument must be a double or timeinterval, got %s", args[0].Kind)
	}

	result := make([]float64, len(window))
	for i, sample := range window {
		result[len(window)-1-i] = sample.Value
	}
	return Vector(result), nil
}

func (s *scope) samplePercent(samples []Sample, window time.Duration) float64 {
	if s.env.SampleInterval <= 0 || window <= 0 {
		return 0
	}
	expected := float64(window / s.env.SampleInterval)
	if expected == 0 {
		return 0
	}

	since := s.env.Now.Add(-window)
	available := 0
	for _, sample := range samples {
		if sample.Time.After(since) {
			available++
		}
	}
	return math.Min(100, float64(available)/expected*100)
}
