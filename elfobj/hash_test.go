package elfobj

import "testing"

func TestElfHash(t *testing.T) {
	cases := []struct {
		name string
		want uint32
	}{
		{"", 0},
		{"a", 0x61},
		{"ab", 0x672},
		{"_init", 0x660504},
	}
	for _, tc := range cases {
		if got := elfHash(tc.name); got != tc.want {
			t.Fatalf("elfHash(%q): got %#x, want %#x", tc.name, got, tc.want)
		}
	}
}

func TestGnuHash(t *testing.T) {
	cases := []struct {
		name string
		want uint32
	}{
		{"", 5381},
		{"a", 5381*33 + 'a'},
		{"printf", 0x156b2bb8},
	}
	for _, tc := range cases {
		if got := gnuHash(tc.name); got != tc.want {
			t.Fatalf("gnuHash(%q): got %#x, want %#x", tc.name, got, tc.want)
		}
	}
}
