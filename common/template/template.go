package template

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/blockpilot/worker/common/faults"
)

// Processor expands {{...}} expressions in block configurations.
// Expressions resolve against two contexts: "json." paths read the
// primary data context (previous node outputs), "ctx." paths read the
// secondary context (workflow data and execution metadata). $-functions
// generate or format values.
//
// Expansion is a single pass: values substituted into the output are
// never re-scanned, so a template free of self references is idempotent.
type Processor struct{}

// NewProcessor creates a template processor
func NewProcessor() *Processor {
	return &Processor{}
}

var exprPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

var funcPattern = regexp.MustCompile(`^\$(\w+)\((.*)\)$`)

// Frozen date format tokens. Anything else falls back to RFC 3339.
var dateFormats = map[string]string{
	"YYYY-MM-DD":          "2006-01-02",
	"DD/MM/YYYY":          "02/01/2006",
	"MM/DD/YYYY":          "01/02/2006",
	"YYYY-MM-DD HH:mm:ss": "2006-01-02 15:04:05",
}

const randomAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ApplyConfig expands every string leaf of a config map
func (p *Processor) ApplyConfig(config, data, meta map[string]any) (map[string]any, error) {
	out, err := p.Apply(config, data, meta)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Apply recursively expands string leaves. Non-string primitives pass
// through untouched.
func (p *Processor) Apply(value any, data, meta map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return p.ApplyString(v, data, meta)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, val := range v {
			rv, err := p.Apply(val, data, meta)
			if err != nil {
				return nil, fmt.Errorf("failed to expand config key %s: %w", key, err)
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(v))
		for i, val := range v {
			rv, err := p.Apply(val, data, meta)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// ApplyString expands all {{...}} expressions in a single string
func (p *Processor) ApplyString(s string, data, meta map[string]any) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	scope := newScope(data, meta)

	var firstErr error
	result := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(match[2 : len(match)-2])
		val, err := p.evaluate(expr, scope)
		if err != nil {
			firstErr = err
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}

	return result, nil
}

// Validate reports unbalanced braces and unknown expression shapes
// without expanding anything.
func Validate(s string) error {
	depth := 0
	for i := 0; i < len(s)-1; i++ {
		switch s[i : i+2] {
		case "{{":
			depth++
			i++
		case "}}":
			depth--
			i++
			if depth < 0 {
				return faults.Template("unbalanced braces at offset %d", i-1)
			}
		}
	}
	if depth != 0 {
		return faults.Template("unbalanced braces: %d unterminated expression(s)", depth)
	}

	var problems []string
	for _, match := range exprPattern.FindAllStringSubmatch(s, -1) {
		expr := strings.TrimSpace(match[1])
		if !knownShape(expr) {
			problems = append(problems, fmt.Sprintf("unknown expression %q", expr))
		}
	}
	if len(problems) > 0 {
		return faults.Template("%s", strings.Join(problems, "; "))
	}

	return nil
}

func knownShape(expr string) bool {
	if strings.HasPrefix(expr, "json.") || strings.HasPrefix(expr, "ctx.") {
		return true
	}
	if expr == "$now" || expr == "$uuid" {
		return true
	}
	if m := funcPattern.FindStringSubmatch(expr); m != nil {
		switch m[1] {
		case "randomInt", "randomFloat", "randomString",
			"formatDate", "formatNumber", "formatCurrency",
			"uppercase", "lowercase", "substring":
			return true
		}
	}
	return false
}

// scope caches the JSON encodings of both contexts so repeated path
// lookups within one expansion don't re-marshal.
type scope struct {
	dataJSON []byte
	metaJSON []byte
}

func newScope(data, meta map[string]any) *scope {
	s := &scope{}
	if data != nil {
		s.dataJSON, _ = json.Marshal(data)
	}
	if meta != nil {
		s.metaJSON, _ = json.Marshal(meta)
	}
	return s
}

// lookup resolves a json./ctx. path. Missing paths return an
// empty-string result rather than an error.
func (s *scope) lookup(path string) (gjson.Result, bool) {
	normalized := normalizePath(path)
	switch {
	case strings.HasPrefix(normalized, "json."):
		if s.dataJSON == nil {
			return gjson.Result{}, false
		}
		r := gjson.GetBytes(s.dataJSON, strings.TrimPrefix(normalized, "json."))
		return r, r.Exists()
	case strings.HasPrefix(normalized, "ctx."):
		if s.metaJSON == nil {
			return gjson.Result{}, false
		}
		r := gjson.GetBytes(s.metaJSON, strings.TrimPrefix(normalized, "ctx."))
		return r, r.Exists()
	}
	return gjson.Result{}, false
}

// normalizePath rewrites bracket indexes (items[0].name) into gjson dot
// form (items.0.name).
func normalizePath(path string) string {
	if !strings.Contains(path, "[") {
		return path
	}
	replaced := strings.ReplaceAll(path, "[", ".")
	return strings.ReplaceAll(replaced, "]", "")
}

func (p *Processor) evaluate(expr string, scope *scope) (string, error) {
	switch {
	case expr == "":
		return "", nil
	case expr == "$now":
		return time.Now().UTC().Format(time.RFC3339), nil
	case expr == "$uuid":
		return uuid.NewString(), nil
	case strings.HasPrefix(expr, "json.") || strings.HasPrefix(expr, "ctx."):
		result, ok := scope.lookup(expr)
		if !ok {
			return "", nil
		}
		return resultToString(result), nil
	}

	m := funcPattern.FindStringSubmatch(expr)
	if m == nil {
		// Unknown expressions expand to empty rather than failing the
		// whole node; Validate surfaces them ahead of time.
		return "", nil
	}

	name, args := m[1], splitArgs(m[2])
	return p.call(name, args, scope)
}

func (p *Processor) call(name string, args []string, scope *scope) (string, error) {
	switch name {
	case "randomInt":
		lo, hi, err := twoInts(name, args)
		if err != nil {
			return "", err
		}
		if hi < lo {
			return "", faults.Template("$randomInt: max %d < min %d", hi, lo)
		}
		return strconv.Itoa(lo + rand.IntN(hi-lo+1)), nil

	case "randomFloat":
		if len(args) != 2 {
			return "", faults.Template("$randomFloat expects 2 arguments, got %d", len(args))
		}
		lo, err1 := strconv.ParseFloat(args[0], 64)
		hi, err2 := strconv.ParseFloat(args[1], 64)
		if err1 != nil || err2 != nil || hi < lo {
			return "", faults.Template("$randomFloat: invalid range (%s, %s)", args[0], args[1])
		}
		return strconv.FormatFloat(lo+rand.Float64()*(hi-lo), 'f', 2, 64), nil

	case "randomString":
		if len(args) != 1 {
			return "", faults.Template("$randomString expects 1 argument, got %d", len(args))
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return "", faults.Template("$randomString: invalid length %q", args[0])
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = randomAlphabet[rand.IntN(len(randomAlphabet))]
		}
		return string(b), nil

	case "formatDate":
		if len(args) != 2 {
			return "", faults.Template("$formatDate expects 2 arguments, got %d", len(args))
		}
		raw := p.argValue(args[0], scope)
		t, ok := parseTime(raw)
		if !ok {
			return "", nil
		}
		layout, ok := dateFormats[args[1]]
		if !ok {
			return t.Format(time.RFC3339), nil
		}
		return t.Format(layout), nil

	case "formatNumber":
		if len(args) != 2 {
			return "", faults.Template("$formatNumber expects 2 arguments, got %d", len(args))
		}
		f, ok := parseFloat(p.argValue(args[0], scope))
		if !ok {
			return "", nil
		}
		decimals, err := strconv.Atoi(args[1])
		if err != nil || decimals < 0 {
			return "", faults.Template("$formatNumber: invalid decimals %q", args[1])
		}
		return strconv.FormatFloat(f, 'f', decimals, 64), nil

	case "formatCurrency":
		if len(args) != 2 {
			return "", faults.Template("$formatCurrency expects 2 arguments, got %d", len(args))
		}
		f, ok := parseFloat(p.argValue(args[0], scope))
		if !ok {
			return "", nil
		}
		return formatCurrency(f, args[1]), nil

	case "uppercase":
		if len(args) != 1 {
			return "", faults.Template("$uppercase expects 1 argument, got %d", len(args))
		}
		return strings.ToUpper(p.argValue(args[0], scope)), nil

	case "lowercase":
		if len(args) != 1 {
			return "", faults.Template("$lowercase expects 1 argument, got %d", len(args))
		}
		return strings.ToLower(p.argValue(args[0], scope)), nil

	case "substring":
		if len(args) != 3 {
			return "", faults.Template("$substring expects 3 arguments, got %d", len(args))
		}
		start, err1 := strconv.Atoi(args[1])
		end, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			return "", faults.Template("$substring: invalid bounds (%s, %s)", args[1], args[2])
		}
		runes := []rune(p.argValue(args[0], scope))
		start, end = clamp(start, 0, len(runes)), clamp(end, 0, len(runes))
		if start > end {
			return "", nil
		}
		return string(runes[start:end]), nil
	}

	return "", nil
}

// argValue resolves a function argument: a json./ctx. path resolves
// against the scope, anything else passes through verbatim (splitArgs
// already stripped quotes).
func (p *Processor) argValue(arg string, scope *scope) string {
	if strings.HasPrefix(arg, "json.") || strings.HasPrefix(arg, "ctx.") {
		result, ok := scope.lookup(arg)
		if !ok {
			return ""
		}
		return resultToString(result)
	}
	return arg
}

// splitArgs splits a function argument list on commas outside quotes.
func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var args []string
	var buf strings.Builder
	var quote byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote != 0:
			buf.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			buf.WriteByte(c)
		case c == ',':
			args = append(args, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	args = append(args, strings.TrimSpace(buf.String()))

	for i, a := range args {
		if len(a) >= 2 && (a[0] == '"' || a[0] == '\'') && a[len(a)-1] == a[0] {
			args[i] = a[1 : len(a)-1]
		}
	}
	return args
}

// resultToString renders a gjson value the way templates need it: null
// becomes empty, objects and arrays become compact JSON, scalars are
// string-coerced.
func resultToString(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.Str
	case gjson.Number:
		return strconv.FormatFloat(r.Num, 'f', -1, 64)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	default:
		return r.Raw
	}
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Millisecond epochs are 13 digits; anything shorter is seconds.
		if secs > 1e12 {
			return time.UnixMilli(secs).UTC(), true
		}
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func parseFloat(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	return f, err == nil
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

func formatCurrency(f float64, code string) string {
	symbol, ok := currencySymbols[strings.ToUpper(code)]
	if !ok {
		symbol = strings.ToUpper(code) + " "
	}

	neg := f < 0
	if neg {
		f = -f
	}

	s := strconv.FormatFloat(f, 'f', 2, 64)
	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]

	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}

	out := symbol + b.String() + frac
	if neg {
		return "-" + out
	}
	return out
}

func twoInts(name string, args []string) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, faults.Template("$%s expects 2 arguments, got %d", name, len(args))
	}
	lo, err1 := strconv.Atoi(args[0])
	hi, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return 0, 0, faults.Template("$%s: invalid arguments (%s, %s)", name, args[0], args[1])
	}
	return lo, hi, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
