package version

import "testing"

func TestVersionString(t *testing.T) {
	tests := []struct {
		tag, commit, want string
	}{
		{"v1.2.3", "abc1234", "v1.2.3"},
		{"", "abc1234", "abc1234"},
		{"", "unknown", "dev"},
		{"", "", "dev"},
	}
	for _, tt := range tests {
		if got := versionString(tt.tag, tt.commit); got != tt.want {
			t.Errorf("versionString(%q, %q) = %q, want %q", tt.tag, tt.commit, got, tt.want)
		}
	}
}

func TestShortSHA(t *testing.T) {
	if got := shortSHA("0123456789abcdef"); got != "0123456" {
		t.Errorf("shortSHA = %q", got)
	}
	if got := shortSHA("abc"); got != "abc" {
		t.Errorf("shortSHA short = %q", got)
	}
}

func TestGetHasGoVersion(t *testing.T) {
	if Get().GoVersion == "" {
		t.Error("GoVersion is empty")
	}
}
