package template

import "testing"

func TestPreprocess(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"dollar", "Hello ${name}!", "Hello {{name}}!"},
		{"pipe default double", `{{name|default:"Guest"}}`, `{{default name "Guest"}}`},
		{"pipe default single", `{{name|default:'Guest'}}`, `{{default name "Guest"}}`},
		{"pipe default ident", "{{a|default:b}}", "{{default a b}}"},
		{"mixed", "${a} and {{b|default:\"x\"}}", `{{a}} and {{default b "x"}}`},
		{"plain untouched", "{{name}}", "{{name}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Preprocess(tc.in); got != tc.want {
				t.Errorf("Preprocess(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRender_Variables(t *testing.T) {
	got, err := Render("Hello {{name}}!", map[string]any{"name": "World"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello World!" {
		t.Errorf("got %q", got)
	}
}

func TestRender_DollarSyntax(t *testing.T) {
	got, err := Render("Hello ${name}!", map[string]any{"name": "World"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello World!" {
		t.Errorf("got %q", got)
	}
}

func TestRender_MissingVariableIsEmpty(t *testing.T) {
	got, err := Render("Hello {{name}}!", nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello !" {
		t.Errorf("missing variables must render empty, got %q", got)
	}
}

func TestRender_NoHTMLEscaping(t *testing.T) {
	got, err := Render("{{body}}", map[string]any{"body": `<b>&"hi"</b>`})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != `<b>&"hi"</b>` {
		t.Errorf("output must not be HTML-escaped, got %q", got)
	}
}

func TestRender_DefaultHelper(t *testing.T) {
	src := `Hello {{default name "Guest"}}!`

	got, err := Render(src, map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello Guest!" {
		t.Errorf("got %q", got)
	}

	got, err = Render(src, map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello Alice!" {
		t.Errorf("got %q", got)
	}

	// Empty string counts as absent.
	got, _ = Render(src, map[string]any{"name": ""})
	if got != "Hello Guest!" {
		t.Errorf("empty string should fall back, got %q", got)
	}
}

func TestRender_PipeDefault(t *testing.T) {
	got, err := Render(`Hello {{name|default:"Guest"}}!`, map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Hello Guest!" {
		t.Errorf("got %q", got)
	}
}

func TestRender_EqHelper(t *testing.T) {
	got, err := Render(`{{eq mode "fast"}}`, map[string]any{"mode": "fast"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "true" {
		t.Errorf("got %q", got)
	}

	got, _ = Render(`{{eq mode "slow"}}`, map[string]any{"mode": "fast"})
	if got != "false" {
		t.Errorf("got %q", got)
	}
}

func TestRender_AndOrHelpers(t *testing.T) {
	vars := map[string]any{"a": "x", "b": "", "c": true}

	if got, _ := Render("{{and a c}}", vars); got != "true" {
		t.Errorf("and a c = %q", got)
	}
	if got, _ := Render("{{and a b}}", vars); got != "false" {
		t.Errorf("and a b = %q", got)
	}
	if got, _ := Render("{{or b c}}", vars); got != "true" {
		t.Errorf("or b c = %q", got)
	}
	if got, _ := Render("{{or b missing}}", vars); got != "false" {
		t.Errorf("or b missing = %q", got)
	}
}

func TestRender_DottedLookup(t *testing.T) {
	got, err := Render("{{user.name}}", map[string]any{
		"user": map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Ada" {
		t.Errorf("got %q", got)
	}
}

func TestRender_Errors(t *testing.T) {
	for _, src := range []string{"{{", "{{}}", `{{default name}}`, "{{bogus a b}}"} {
		if _, err := Render(src, nil); err == nil {
			t.Errorf("expected error for %q", src)
		}
	}
}

func TestSimpleSubstitute(t *testing.T) {
	src := "tags: ${tags}, meta: {{meta}}, name: ${name}"
	got := SimpleSubstitute(src, map[string]any{
		"tags": []any{"rock", "pop"},
		"meta": map[string]any{"bpm": 120},
		"name": "demo",
	})
	want := `tags: rock, pop, meta: {"bpm":120}, name: demo`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
