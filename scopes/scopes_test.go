package scopes

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		len   int
	}{
		{name: "single", input: "public", want: "public", len: 1},
		{name: "multiple", input: "public write", want: "public write", len: 2},
		{name: "duplicates collapse", input: "read write read", want: "read write", len: 2},
		{name: "extra whitespace", input: "  read \t write  ", want: "read write", len: 2},
		{name: "empty", input: "", want: "", len: 0},
		{name: "case sensitive", input: "Read read", want: "Read read", len: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if got.String() != tt.want {
				t.Errorf("Parse(%q).String() = %q, want %q", tt.input, got.String(), tt.want)
			}
			if got.Len() != tt.len {
				t.Errorf("Parse(%q).Len() = %d, want %d", tt.input, got.Len(), tt.len)
			}
		})
	}
}

func TestSet_RoundTrip(t *testing.T) {
	for _, s := range []string{"a", "a b c", "write read admin"} {
		if got := Parse(Parse(s).String()); !got.Equal(Parse(s)) {
			t.Errorf("Parse(Parse(%q).String()) = %q", s, got)
		}
	}
}

func TestSet_Algebra(t *testing.T) {
	a := Parse("read write")
	b := Parse("write admin")

	if got := a.Union(b).String(); got != "read write admin" {
		t.Errorf("Union = %q, want %q", got, "read write admin")
	}
	if got := a.Intersect(b).String(); got != "write" {
		t.Errorf("Intersect = %q, want %q", got, "write")
	}
	if !a.ContainsAll(Parse("write")) {
		t.Error("ContainsAll(write) = false, want true")
	}
	if a.ContainsAll(b) {
		t.Error("ContainsAll(write admin) = true, want false")
	}
	if !a.ContainsAll(Set{}) {
		t.Error("ContainsAll(empty) = false, want true")
	}
	if !Parse("b a").Equal(Parse("a b")) {
		t.Error("Equal should ignore order")
	}
	if Parse("a").Equal(Parse("a b")) {
		t.Error("Equal(a, a b) = true, want false")
	}
}

func TestSet_SliceIsCopy(t *testing.T) {
	s := Parse("read write")
	items := s.Slice()
	items[0] = "mutated"
	if s.String() != "read write" {
		t.Errorf("Slice() leaked internal state, set is now %q", s.String())
	}
}

func TestValid(t *testing.T) {
	server := Parse("public write admin")

	tests := []struct {
		name  string
		scope string
		app   Set
		want  bool
	}{
		{name: "blank", scope: "", want: false},
		{name: "whitespace only", scope: "   ", want: false},
		{name: "newline", scope: "public\nwrite", want: false},
		{name: "carriage return", scope: "public\r", want: false},
		{name: "tab", scope: "public\twrite", want: false},
		{name: "single server scope", scope: "public", want: true},
		{name: "all server scopes", scope: "public write admin", want: true},
		{name: "unknown scope", scope: "public delete", want: false},
		{name: "allowed by app", scope: "public", app: Parse("public write"), want: true},
		{name: "outside app", scope: "admin", app: Parse("public write"), want: false},
		{name: "app scope not on server", scope: "other", app: Parse("other"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.scope, server, tt.app); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}
}

func TestChecker_ByGrantType(t *testing.T) {
	c := Checker{ByGrantType: map[string]Set{
		"password": Parse("public"),
	}}
	server := Parse("public write")

	if !c.Valid("public", server, Set{}, "password") {
		t.Error("public should be permitted for password grant")
	}
	if c.Valid("write", server, Set{}, "password") {
		t.Error("write should not be permitted for password grant")
	}
	if !c.Valid("write", server, Set{}, "client_credentials") {
		t.Error("grant types without a restriction should accept server scopes")
	}
}

func TestChecker_DynamicScopes(t *testing.T) {
	c := Checker{DynamicDelimiter: ":"}
	server := Parse("public user:* repo:123")

	tests := []struct {
		scope string
		want  bool
	}{
		{"user:1", true},
		{"user:*", true},
		{"user:", false},
		{"repo:123", true},
		{"repo:456", false},
		{"org:1", false},
		{"public", true},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := c.Valid(tt.scope, server, Set{}, ""); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.scope, got, tt.want)
			}
		})
	}

	if (Checker{}).Valid("user:1", server, Set{}, "") {
		t.Error("dynamic matching must be disabled without a delimiter")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		required string
		want     bool
	}{
		{name: "no requirement", token: "", required: "", want: true},
		{name: "exact", token: "read", required: "read", want: true},
		{name: "superset", token: "read write", required: "write", want: true},
		{name: "missing", token: "read", required: "write", want: false},
		{name: "partial", token: "read", required: "read write", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(Parse(tt.token), Parse(tt.required)); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.token, tt.required, got, tt.want)
			}
		})
	}
}

func TestResourceIndicatorsValid(t *testing.T) {
	granted := []string{"https://api.example.com/", "https://cal.example.com"}

	if !ResourceIndicatorsValid(granted, nil) {
		t.Error("no requested resources should be valid")
	}
	if !ResourceIndicatorsValid(granted, []string{"https://api.example.com"}) {
		t.Error("trailing slash should not matter")
	}
	if !ResourceIndicatorsValid(granted, []string{"https://api.example.com", "https://cal.example.com/"}) {
		t.Error("all granted resources should be valid")
	}
	if ResourceIndicatorsValid(granted, []string{"https://other.example.com"}) {
		t.Error("ungranted resource should be invalid")
	}
	if ResourceIndicatorsValid(nil, []string{"https://api.example.com"}) {
		t.Error("nothing granted should reject any request")
	}
}
