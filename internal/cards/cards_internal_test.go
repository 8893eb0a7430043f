package cards

import "testing"

func TestCleanExt(t *testing.T) {
	tests := map[string]string{
		"photo.PNG":       ".png",
		"a.b.jpeg":        ".jpeg",
		"noext":           "",
		"dir/x.gif":       ".gif",
		`c:\dir\x.webp`:   ".webp",
		"weird.p\\ng":     "",
		"trailing.":       "",
		"long.abcdefghijk": "",
	}
	for in, want := range tests {
		if got := cleanExt(in); got != want {
			t.Errorf("cleanExt(%q) = %q, want %q", in, got, want)
		}
	}
}
