package query

import (
	"encoding/json"
	"net/url"
	"testing"
)

func TestParsePage(t *testing.T) {
	tests := []struct {
		query     string
		wantPage  int
		wantLimit int
	}{
		{"", 1, 20},
		{"page=3&limit=10", 3, 10},
		{"page=0", 1, 20},
		{"page=-4", 1, 20},
		{"page=abc&limit=xyz", 1, 20},
		{"limit=0", 1, 20},
		{"limit=-1", 1, 20},
		{"limit=500", 1, 100},
		{"limit=100", 1, 100},
		{"page=99999999999", 1 << 24, 20},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			values, _ := url.ParseQuery(tt.query)
			got := ParsePage(values)
			if got.Number != tt.wantPage {
				t.Errorf("page = %d, want %d", got.Number, tt.wantPage)
			}
			if got.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", got.Limit, tt.wantLimit)
			}
		})
	}
}

func TestPage_Offset(t *testing.T) {
	p := Page{Number: 3, Limit: 20}
	if got := p.Offset(); got != 40 {
		t.Errorf("Offset() = %d, want 40", got)
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total, limit, want int
	}{
		{0, 20, 0},
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{45, 20, 3},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := TotalPages(tt.total, tt.limit); got != tt.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tt.total, tt.limit, got, tt.want)
		}
	}
}

func TestNewEnvelope_NilDataEncodesAsEmptyArray(t *testing.T) {
	env := NewEnvelope[string](nil, Page{Number: 2, Limit: 20}, 0)

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"data":[],"page":2,"limit":20,"total":0,"totalPages":0}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}
