package redis

import "testing"

func TestHasPattern(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"ch:config:invalidate", false},
		{"ch:results:*", true},
		{"ch:results:cricket", false},
		{"ch:results:?ricket", true},
		{"ch:results:[ct]*", true},
	}
	for _, tt := range tests {
		if got := hasPattern(tt.channel); got != tt.want {
			t.Errorf("hasPattern(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"", []string{"lock", "seed"}, "lock:seed"},
		{"marketrules", []string{"ratelimit", "api:10.0.0.1"}, "marketrules:ratelimit:api:10.0.0.1"},
		{"mr", nil, "mr"},
	}
	for _, tt := range tests {
		if got := joinKey(tt.prefix, tt.parts...); got != tt.want {
			t.Errorf("joinKey(%q, %v) = %q, want %q", tt.prefix, tt.parts, got, tt.want)
		}
	}
}

func TestSportConfigCacheKey(t *testing.T) {
	sc := NewSportConfigCache(&Client{prefix: "mr"}, 0)
	if got := sc.cacheKey(" Cricket "); got != "mr:sportcfg:cricket" {
		t.Errorf("cacheKey = %q", got)
	}
	if sc.ttl != defaultSportConfigTTL {
		t.Errorf("ttl = %v, want default", sc.ttl)
	}
}
