package protocol

import (
	"reflect"
	"testing"
)

func TestHeaderSetKeepsPosition(t *testing.T) {
	h := Header{{"Accept", "a"}, {"X-Dup", "1"}, {"User-Agent", "ua"}, {"x-dup", "2"}}
	h.Set("X-DUP", "3")
	want := Header{{"Accept", "a"}, {"X-Dup", "3"}, {"User-Agent", "ua"}}
	if !reflect.DeepEqual(h, want) {
		t.Errorf("expected %v, got %v", want, h)
	}
	h.Set("Cookie", "c=1")
	if h[len(h)-1].Name != "Cookie" {
		t.Errorf("expected new header appended, got %v", h)
	}
}

func TestHeaderLookup(t *testing.T) {
	h := Header{{"Set-Cookie", "a=1"}, {"set-cookie", "b=2"}, {"Content-Type", "text/html"}}
	if got := h.Get("content-type"); got != "text/html" {
		t.Errorf("expected text/html, got %q", got)
	}
	if got := h.Values("SET-COOKIE"); !reflect.DeepEqual(got, []string{"a=1", "b=2"}) {
		t.Errorf("expected both cookies, got %v", got)
	}
	h.Del("Set-Cookie")
	if h.Has("set-cookie") || len(h) != 1 {
		t.Errorf("expected cookies removed, got %v", h)
	}
}
