package repo

import (
	"testing"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

func TestNextJobStatus(t *testing.T) {
	cases := []struct {
		current domain.JobStatus
		outcome domain.RunStatus
		want    domain.JobStatus
	}{
		{domain.JobStatusActive, domain.RunFailure, domain.JobStatusError},
		{domain.JobStatusError, domain.RunSuccess, domain.JobStatusActive},
		{domain.JobStatusActive, domain.RunSuccess, domain.JobStatusActive},
		{domain.JobStatusPaused, domain.RunSuccess, domain.JobStatusPaused},
		{domain.JobStatusPaused, domain.RunFailure, domain.JobStatusPaused},
		{domain.JobStatusError, domain.RunFailure, domain.JobStatusError},
	}
	for _, tc := range cases {
		if got := NextJobStatus(tc.current, tc.outcome); got != tc.want {
			t.Fatalf("NextJobStatus(%s, %s)=%s want %s", tc.current, tc.outcome, got, tc.want)
		}
	}
}
