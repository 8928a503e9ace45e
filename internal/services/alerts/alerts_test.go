package alerts

import (
	"strings"
	"testing"
	"time"

	"github.com/j-veylop/provider-ingest/internal/models"
)

type sent struct {
	title, body string
}

func recorder() (*Notifier, *[]sent) {
	var out []sent
	n := NewWithFunc(func(title, message string) error {
		out = append(out, sent{title, message})
		return nil
	})
	return n, &out
}

func TestProviderStateChanged(t *testing.T) {
	n, out := recorder()
	reset := time.Now().Add(time.Hour)

	n.ProviderStateChanged(models.ProviderState{Provider: "alpha", Failures: 1})
	n.ProviderStateChanged(models.ProviderState{Provider: "alpha", RateLimited: true, ResetTime: reset})
	n.ProviderStateChanged(models.ProviderState{Provider: "alpha", RateLimited: true, ResetTime: reset.Add(time.Minute)})
	n.ProviderStateChanged(models.ProviderState{Provider: "alpha"})
	n.ProviderStateChanged(models.ProviderState{Provider: "alpha", RateLimited: true, ResetTime: reset})

	if len(*out) != 2 {
		t.Fatalf("notifications = %d, want 2: %+v", len(*out), *out)
	}
	if !strings.Contains((*out)[0].title, "alpha") {
		t.Errorf("title = %q", (*out)[0].title)
	}
}

func TestCycleFinished(t *testing.T) {
	tests := []struct {
		name    string
		summary *models.CycleSummary
		want    int
	}{
		{
			name:    "Failed",
			summary: &models.CycleSummary{Status: models.SessionFailed, Errors: []string{"db down"}},
			want:    1,
		},
		{
			name: "AllGroupsFailed",
			summary: &models.CycleSummary{
				Status: models.SessionCompleted,
				Groups: map[string]models.CollectorResult{
					"a": {Errors: []string{"x"}},
					"b": {Errors: []string{"y"}},
				},
				Errors: []string{"a: x", "b: y"},
			},
			want: 1,
		},
		{
			name: "PartialFailure",
			summary: &models.CycleSummary{
				Status: models.SessionCompleted,
				Groups: map[string]models.CollectorResult{
					"a": {Errors: []string{"x"}},
					"b": {Records: 3},
				},
			},
			want: 0,
		},
		{
			name:    "Empty",
			summary: &models.CycleSummary{Status: models.SessionCompleted},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, out := recorder()
			n.CycleFinished(tt.summary)
			if len(*out) != tt.want {
				t.Errorf("notifications = %d, want %d", len(*out), tt.want)
			}
		})
	}
}
