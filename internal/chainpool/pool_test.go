package chainpool

import "testing"

func TestIsRangeTooLarge_RecognizesProviderShapes(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"query returned more than 10000 results", true},
		{"eth_getLogs is limited to a 10,000 block range", true},
		{"block range too large, max is 2000", true},
		{"limit exceeded for this request", true},
		{"too many results found", true},
		{"execution reverted", false},
		{"connection refused", false},
		{"", false},
	}
	for _, c := range cases {
		var err error
		if c.msg != "" {
			err = &stringError{c.msg}
		}
		if got := isRangeTooLarge(err); got != c.want {
			t.Errorf("isRangeTooLarge(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	if isRangeTooLarge(nil) {
		t.Error("isRangeTooLarge(nil) should be false")
	}
}

func TestContainsFold_CaseInsensitive(t *testing.T) {
	if !containsFold("Block Range Too Large", "range too large") {
		t.Error("expected case-insensitive match")
	}
	if containsFold("short", "this needle is way longer than haystack") {
		t.Error("needle longer than haystack must not match")
	}
	if !containsFold("anything", "") {
		t.Error("empty needle should always match")
	}
}

type stringError struct{ s string }

func (e *stringError) Error() string { return e.s }
