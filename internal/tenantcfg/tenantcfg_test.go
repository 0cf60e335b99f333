package tenantcfg

import (
	"context"
	"testing"

	"your.org/wa-tenant-sessions/internal/pipeline"
)

func TestParseOverlaysDefaults(t *testing.T) {
	def := pipeline.DefaultSettings("new")
	cases := []struct {
		raw  string
		want pipeline.Settings
	}{
		{`{}`, def},
		{`not json`, def},
		{`{"createLeads": false}`, pipeline.Settings{CreateLeads: false, LeadStage: "new"}},
		{`{"createLeads": "0", "ignoreGroups": "false"}`, pipeline.Settings{CreateLeads: false, LeadStage: "new"}},
		{`{"leadStage": " qualified ", "createLeads": 1}`, pipeline.Settings{CreateLeads: true, LeadStage: "qualified"}},
		{`{"leadStage": "", "createLeads": "maybe"}`, def},
	}
	for _, tc := range cases {
		if got := Parse([]byte(tc.raw), def); got != tc.want {
			t.Errorf("Parse(%s) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestNilClientReturnsDefaults(t *testing.T) {
	def := pipeline.DefaultSettings("cold")
	s := New(nil, def, 0)
	if got := s.Settings(context.Background(), "acme"); got != def {
		t.Fatalf("Settings = %+v, want %+v", got, def)
	}
}
