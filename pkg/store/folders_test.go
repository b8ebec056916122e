package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRollupStatus(t *testing.T) {
	tests := []struct {
		name            string
		total, terminal int
		want            FolderStatus
	}{
		{"empty folder is ready", 0, 0, FolderReady},
		{"mix of indexed and skipped completes", 3, 3, FolderReady},
		{"one file still pending", 3, 2, FolderIndexing},
		{"nothing processed yet", 5, 0, FolderIndexing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rollupStatus(tt.total, tt.terminal))
		})
	}
}
