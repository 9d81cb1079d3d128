package queryparam

import "testing"

func TestParseOrder(t *testing.T) {
	m, err := Parse("fcc=10.0.0.1:8080&fcc-type=telecom&fec=9000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := m.Keys()
	want := []string{"fcc", "fcc-type", "fec"}
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOverrideMergeReplacesInPlace(t *testing.T) {
	base, _ := Parse("playseek=20250101100000&tvdr=0")
	override, _ := Parse("playseek=20250101110000-20250101120000")

	merged := OverrideMerge(base, override)
	if got := merged.Keys(); len(got) != 2 || got[0] != "playseek" || got[1] != "tvdr" {
		t.Fatalf("Keys() = %v, want [playseek tvdr] (base order preserved)", got)
	}
	if v, _ := merged.Get("playseek"); v != "20250101110000-20250101120000" {
		t.Errorf("playseek = %q, want overridden value", v)
	}
	if v, _ := merged.Get("tvdr"); v != "0" {
		t.Errorf("tvdr = %q, want unchanged base value", v)
	}
}

func TestOverrideMergeAppendsUnrecognized(t *testing.T) {
	base, _ := Parse("a=1")
	override, _ := Parse("a=2&b=3")

	merged := OverrideMerge(base, override)
	want := []string{"a", "b"}
	got := merged.Keys()
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if v, _ := merged.Get("b"); v != "3" {
		t.Errorf("b = %q, want 3", v)
	}
}

func TestOverrideMergeNilOverride(t *testing.T) {
	base, _ := Parse("a=1&b=2")
	merged := OverrideMerge(base, nil)
	if merged.Encode() != base.Encode() {
		t.Errorf("Encode() = %q, want %q", merged.Encode(), base.Encode())
	}
}
