package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/risingstars/internal/domain"
)

func TestVideoStatus_PathTo(t *testing.T) {
	tests := map[string]struct {
		from, to domain.VideoStatus
		want     []domain.VideoStatus
		ok       bool
	}{
		"single forward step": {
			from: domain.VideoStatusUploading, to: domain.VideoStatusUploaded,
			want: []domain.VideoStatus{domain.VideoStatusUploaded}, ok: true,
		},
		"walks intermediate states": {
			from: domain.VideoStatusUploaded, to: domain.VideoStatusProcessed,
			want: []domain.VideoStatus{domain.VideoStatusProcessing, domain.VideoStatusProcessed}, ok: true,
		},
		"error from uploading": {
			from: domain.VideoStatusUploading, to: domain.VideoStatusError,
			want: []domain.VideoStatus{domain.VideoStatusError}, ok: true,
		},
		"error from uploaded goes through processing": {
			from: domain.VideoStatusUploaded, to: domain.VideoStatusError,
			want: []domain.VideoStatus{domain.VideoStatusProcessing, domain.VideoStatusError}, ok: true,
		},
		"duplicate is rejected": {
			from: domain.VideoStatusProcessing, to: domain.VideoStatusProcessing,
		},
		"backward is rejected": {
			from: domain.VideoStatusProcessing, to: domain.VideoStatusUploaded,
		},
		"processed is terminal": {
			from: domain.VideoStatusProcessed, to: domain.VideoStatusError,
		},
		"error is terminal": {
			from: domain.VideoStatusError, to: domain.VideoStatusProcessed,
		},
		"unknown status is rejected": {
			from: domain.VideoStatusUploaded, to: domain.VideoStatus("published"),
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := tt.from.PathTo(tt.to)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchCity(t *testing.T) {
	assert.True(t, domain.MatchCity("all", "Cali"))
	assert.True(t, domain.MatchCity("", "Cali"))
	assert.True(t, domain.MatchCity("Todas", "Cali"))
	assert.True(t, domain.MatchCity("medellín", "Medellín"))
	assert.True(t, domain.MatchCity("MEDELLÍN", "Medellín"))
	assert.False(t, domain.MatchCity("Medellín", "Bogotá"))
}
