package template

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testData() map[string]any {
	return map[string]any{
		"price": map[string]any{"usd": 42123.5, "eur": 39000.25},
		"user":  map[string]any{"name": "Ada", "email": "ada@example.com"},
		"items": []any{
			map[string]any{"sku": "A-1", "qty": float64(3)},
			map[string]any{"sku": "B-2", "qty": float64(7)},
		},
		"ok":        true,
		"timestamp": "2024-03-15T10:30:00Z",
	}
}

func testMeta() map[string]any {
	return map[string]any{
		"execution_id": "exec-123",
		"workflow": map[string]any{
			"name": "price-alert",
		},
	}
}

func TestApplyString_JSONPaths(t *testing.T) {
	p := NewProcessor()

	cases := []struct {
		template string
		want     string
	}{
		{"{{json.user.name}}", "Ada"},
		{"price is {{json.price.usd}}", "price is 42123.5"},
		{"{{json.items[0].sku}}", "A-1"},
		{"{{json.items[1].qty}} units", "7 units"},
		{"{{json.ok}}", "true"},
		{"{{json.missing.path}}", ""},
		{"{{ctx.execution_id}}", "exec-123"},
		{"{{ctx.workflow.name}}", "price-alert"},
		{"no expressions here", "no expressions here"},
	}

	for _, tc := range cases {
		got, err := p.ApplyString(tc.template, testData(), testMeta())
		if err != nil {
			t.Fatalf("ApplyString(%q) failed: %v", tc.template, err)
		}
		if got != tc.want {
			t.Errorf("ApplyString(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}
}

func TestApplyString_ObjectBecomesJSON(t *testing.T) {
	p := NewProcessor()

	got, err := p.ApplyString("{{json.user}}", testData(), nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	if !strings.Contains(got, `"name":"Ada"`) || !strings.HasPrefix(got, "{") {
		t.Errorf("object expansion should be compact JSON, got %q", got)
	}
}

func TestApplyString_Now(t *testing.T) {
	p := NewProcessor()

	got, err := p.ApplyString("{{$now}}", nil, nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339, got)
	if err != nil {
		t.Fatalf("$now produced unparseable time %q: %v", got, err)
	}
	if d := time.Since(parsed); d < -time.Minute || d > time.Minute {
		t.Errorf("$now drifted: %s", d)
	}
}

func TestApplyString_UUID(t *testing.T) {
	p := NewProcessor()

	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	a, err := p.ApplyString("{{$uuid}}", nil, nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	b, _ := p.ApplyString("{{$uuid}}", nil, nil)

	if !uuidRe.MatchString(a) {
		t.Errorf("$uuid produced %q, not a UUID", a)
	}
	if a == b {
		t.Errorf("two $uuid expansions should differ")
	}
}

func TestApplyString_RandomInt(t *testing.T) {
	p := NewProcessor()

	for i := 0; i < 50; i++ {
		got, err := p.ApplyString("{{$randomInt(5, 10)}}", nil, nil)
		if err != nil {
			t.Fatalf("ApplyString failed: %v", err)
		}
		n, err := strconv.Atoi(got)
		if err != nil {
			t.Fatalf("$randomInt produced non-integer %q", got)
		}
		if n < 5 || n > 10 {
			t.Errorf("$randomInt(5,10) out of range: %d", n)
		}
	}
}

func TestApplyString_RandomFloat(t *testing.T) {
	p := NewProcessor()

	got, err := p.ApplyString("{{$randomFloat(0, 1)}}", nil, nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	f, err := strconv.ParseFloat(got, 64)
	if err != nil {
		t.Fatalf("$randomFloat produced %q", got)
	}
	if f < 0 || f > 1 {
		t.Errorf("$randomFloat(0,1) out of range: %f", f)
	}
	if dot := strings.Index(got, "."); dot == -1 || len(got)-dot-1 != 2 {
		t.Errorf("$randomFloat should have 2 decimals, got %q", got)
	}
}

func TestApplyString_RandomString(t *testing.T) {
	p := NewProcessor()

	got, err := p.ApplyString("{{$randomString(16)}}", nil, nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	if len(got) != 16 {
		t.Errorf("$randomString(16) length = %d", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune(randomAlphabet, c) {
			t.Errorf("$randomString produced non-alphanumeric %q", c)
		}
	}
}

func TestApplyString_Formatters(t *testing.T) {
	p := NewProcessor()

	cases := []struct {
		template string
		want     string
	}{
		{`{{$formatDate(json.timestamp, "YYYY-MM-DD")}}`, "2024-03-15"},
		{`{{$formatDate(json.timestamp, "DD/MM/YYYY")}}`, "15/03/2024"},
		{`{{$formatDate(json.timestamp, "MM/DD/YYYY")}}`, "03/15/2024"},
		{`{{$formatDate(json.timestamp, "YYYY-MM-DD HH:mm:ss")}}`, "2024-03-15 10:30:00"},
		{`{{$formatDate(json.timestamp, "bogus")}}`, "2024-03-15T10:30:00Z"},
		{`{{$formatNumber(json.price.usd, 2)}}`, "42123.50"},
		{`{{$formatNumber(json.price.usd, 0)}}`, "42124"},
		{`{{$formatCurrency(json.price.usd, "USD")}}`, "$42,123.50"},
		{`{{$uppercase(json.user.name)}}`, "ADA"},
		{`{{$lowercase(json.user.email)}}`, "ada@example.com"},
		{`{{$substring(json.user.email, 0, 3)}}`, "ada"},
		{`{{$substring(json.user.name, 0, 100)}}`, "Ada"},
	}

	for _, tc := range cases {
		got, err := p.ApplyString(tc.template, testData(), nil)
		if err != nil {
			t.Fatalf("ApplyString(%q) failed: %v", tc.template, err)
		}
		if got != tc.want {
			t.Errorf("ApplyString(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}
}

func TestApplyString_SinglePass(t *testing.T) {
	p := NewProcessor()

	// The expanded value contains {{json.inner}}; a second pass would
	// expand it, a single pass must not.
	data := map[string]any{
		"outer": "literal {{json.inner}}",
		"inner": "SHOULD-NOT-APPEAR",
	}

	got, err := p.ApplyString("{{json.outer}}", data, nil)
	if err != nil {
		t.Fatalf("ApplyString failed: %v", err)
	}
	if got != "literal {{json.inner}}" {
		t.Errorf("expansion was not single-pass: %q", got)
	}
}

func TestApply_RecursiveConfig(t *testing.T) {
	p := NewProcessor()

	config := map[string]any{
		"url": "https://api.example.com/users/{{json.user.name}}",
		"headers": map[string]any{
			"X-Trace": "{{ctx.execution_id}}",
		},
		"tags":    []any{"{{json.items[0].sku}}", "static"},
		"retries": 3,
		"debug":   false,
	}

	out, err := p.ApplyConfig(config, testData(), testMeta())
	if err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	if out["url"] != "https://api.example.com/users/Ada" {
		t.Errorf("url = %v", out["url"])
	}
	headers := out["headers"].(map[string]any)
	if headers["X-Trace"] != "exec-123" {
		t.Errorf("header = %v", headers["X-Trace"])
	}
	tags := out["tags"].([]any)
	if tags[0] != "A-1" || tags[1] != "static" {
		t.Errorf("tags = %v", tags)
	}
	if out["retries"] != 3 {
		t.Errorf("non-string primitive mutated: %v", out["retries"])
	}
	if out["debug"] != false {
		t.Errorf("non-string primitive mutated: %v", out["debug"])
	}
}

func TestApplyString_Idempotent(t *testing.T) {
	p := NewProcessor()

	once, err := p.ApplyString("hello {{json.user.name}}", testData(), nil)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	twice, err := p.ApplyString(once, testData(), nil)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if once != twice {
		t.Errorf("expansion not idempotent: %q then %q", once, twice)
	}
}

func TestValidate(t *testing.T) {
	valid := []string{
		"plain text",
		"{{json.a.b}}",
		"{{ctx.x}} and {{$now}}",
		`{{$formatDate(json.ts, "YYYY-MM-DD")}}`,
		"{{$randomInt(1, 5)}}",
	}
	for _, s := range valid {
		if err := Validate(s); err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", s, err)
		}
	}

	invalid := []string{
		"{{json.a",
		"missing close {{ctx.x",
		"stray }} close",
		"{{$notAFunction(1)}}",
		"{{random garbage}}",
	}
	for _, s := range invalid {
		if err := Validate(s); err == nil {
			t.Errorf("Validate(%q) should have failed", s)
		}
	}
}

func TestApplyString_ErrorOnBadFunctionArgs(t *testing.T) {
	p := NewProcessor()

	bad := []string{
		"{{$randomInt(1)}}",
		"{{$randomInt(a, b)}}",
		"{{$substring(json.user.name, x, y)}}",
		"{{$formatNumber(json.price.usd, -1)}}",
	}
	for _, s := range bad {
		if _, err := p.ApplyString(s, testData(), nil); err == nil {
			t.Errorf("ApplyString(%q) should have failed", s)
		}
	}
}

func BenchmarkApplyConfig(b *testing.B) {
	p := NewProcessor()
	config := map[string]any{
		"url":     "https://api.example.com/{{json.user.name}}/orders",
		"method":  "POST",
		"body":    "{{json.items.0.sku}} x{{$formatNumber(json.items.0.qty, 0)}}",
		"subject": "{{$uppercase(json.user.name)}} price {{$formatCurrency(json.price.usd, USD)}}",
		"headers": map[string]any{
			"X-Execution": "{{ctx.execution_id}}",
		},
	}
	data := testData()
	meta := testMeta()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := p.ApplyConfig(config, data, meta); err != nil {
			b.Fatal(err)
		}
	}
}
