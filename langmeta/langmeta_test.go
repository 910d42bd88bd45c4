package langmeta

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "pt_br", want: "pt-BR"},
		{in: " EN-us ", want: "en-US"},
		{in: "ru", want: "ru"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		got := canonicalize(tc.in)
		if got != tc.want {
			t.Fatalf("canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Run("native name", func(t *testing.T) {
		got := Resolve("de")
		if got.Name != "Deutsch" || got.EnglishName != "German" || got.Flag != "🇩🇪" {
			t.Fatalf("unexpected result: %#v", got)
		}
	})

	t.Run("normalized region", func(t *testing.T) {
		got := Resolve("pt_br")
		if got.Code != "pt-BR" || got.Flag != "🇧🇷" {
			t.Fatalf("unexpected result: %#v", got)
		}
	})

	t.Run("flag override", func(t *testing.T) {
		if got := Resolve("en").Flag; got != "🇺🇸" {
			t.Fatalf("en flag = %q", got)
		}
		if got := Resolve("en-GB").Flag; got != "🇬🇧" {
			t.Fatalf("en-GB flag = %q", got)
		}
	})

	t.Run("invalid passthrough", func(t *testing.T) {
		got := Resolve("not a code")
		if got.Name != "not a code" || got.Flag != "" {
			t.Fatalf("unexpected result: %#v", got)
		}
	})
}

func TestRegionFlag(t *testing.T) {
	if got := RegionFlag("ua"); got != "🇺🇦" {
		t.Fatalf("RegionFlag(ua) = %q", got)
	}
	if got := RegionFlag("1A"); got != "" {
		t.Fatalf("RegionFlag(1A) = %q, want empty", got)
	}
}
