package streamkey

import (
	"strings"
	"testing"
)

func TestBuildParseRoundTrip(t *testing.T) {
	key := Build("main", "flynn", "s_abcd1234")
	if key != "agent:main:clawline:flynn:s_abcd1234" {
		t.Fatalf("unexpected key %q", key)
	}
	k, ok := Parse(key)
	if !ok {
		t.Fatalf("parse failed for %q", key)
	}
	if k.AgentID != "main" || k.UserID != "flynn" || k.Suffix != "s_abcd1234" {
		t.Fatalf("unexpected parse result %+v", k)
	}
	if k.Canonical() != key {
		t.Fatalf("canonical mismatch: %q", k.Canonical())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
		want Key
	}{
		{"main suffix", "agent:main:clawline:flynn:main", true, Key{"main", "flynn", "main"}},
		{"dm suffix", "agent:main:clawline:flynn:dm", true, Key{"main", "flynn", "dm"}},
		{"custom suffix", "agent:main:clawline:flynn:s_00ff00ff", true, Key{"main", "flynn", "s_00ff00ff"}},
		{"legacy dm shape", "agent:main:clawline:dm:flynn", true, Key{"main", "flynn", "dm"}},
		{"user literally named dm", "agent:main:clawline:dm:main", true, Key{"main", "dm", "main"}},
		{"admin global key", "agent:main:main", false, Key{}},
		{"wrong prefix", "bot:main:clawline:flynn:main", false, Key{}},
		{"wrong namespace", "agent:main:other:flynn:main", false, Key{}},
		{"too few parts", "agent:main:clawline:flynn", false, Key{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, ok := Parse(tt.key)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.key, ok, tt.ok)
			}
			if ok && k != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.key, k, tt.want)
			}
		})
	}
}

func TestLegacyKeyRewrite(t *testing.T) {
	k, ok := Parse("agent:main:clawline:dm:alice")
	if !ok {
		t.Fatal("legacy key did not parse")
	}
	if got := k.Canonical(); got != "agent:main:clawline:alice:dm" {
		t.Fatalf("legacy rewrite = %q", got)
	}
}

func TestValidSuffix(t *testing.T) {
	valid := []string{"main", "dm", "s_abcd1234", "s_00000000"}
	for _, s := range valid {
		if !ValidSuffix(s) {
			t.Errorf("ValidSuffix(%q) = false", s)
		}
	}
	invalid := []string{"", "s_", "s_abcd123", "s_abcd12345", "s_ABCD1234", "global", "s_ghijklmn"}
	for _, s := range invalid {
		if ValidSuffix(s) {
			t.Errorf("ValidSuffix(%q) = true", s)
		}
	}
}

func TestNewCustomSuffix(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := NewCustomSuffix()
		if !IsCustomSuffix(s) {
			t.Fatalf("generated suffix %q is not valid", s)
		}
		seen[s] = true
	}
	if len(seen) < 90 {
		t.Fatalf("suspicious duplication: %d unique of 100", len(seen))
	}
}

func TestNormalizeUserID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Flynn", "flynn"},
		{"Flynn Rider", "flynn_rider"},
		{"  Flynn!!Rider  ", "flynn_rider"},
		{"DÉJÀ vu", "d_j_vu"},
		{"___", ""},
		{"", ""},
		{"a" + strings.Repeat("b", 100), "a" + strings.Repeat("b", 47)},
	}
	for _, tt := range tests {
		if got := NormalizeUserID(tt.in); got != tt.want {
			t.Errorf("NormalizeUserID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerateUserID(t *testing.T) {
	id := GenerateUserID()
	if !strings.HasPrefix(id, "user_") || len(id) != len("user_")+8 {
		t.Fatalf("unexpected generated id %q", id)
	}
}
