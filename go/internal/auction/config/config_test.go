package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    func(s Settings)
		wantErr bool
	}{
		{
			name: "overrides keep unspecified defaults",
			yaml: "extension_window: 30s\nsnapshot_bids: 10\n",
			want: func(s Settings) {
				require.Equal(t, 30*time.Second, s.ExtensionWindow)
				require.Equal(t, 10, s.SnapshotBids)
				require.Equal(t, time.Minute, s.ReconcileInterval)
			},
		},
		{
			name:    "rejects non-positive window",
			yaml:    "extension_window: 0s\n",
			wantErr: true,
		},
		{
			name:    "rejects malformed yaml",
			yaml:    "extension_window: [\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "auction.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			s, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.want(s)
		})
	}
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(), s)
	require.Equal(t, 90*time.Second, s.ExtensionWindow)
}
