package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionOf(t *testing.T) {
	tests := []struct {
		name     string
		info     *debug.BuildInfo
		expected string
	}{
		{
			name:     "main module",
			info:     &debug.BuildInfo{Main: debug.Module{Path: modulePath, Version: "v1.2.3"}},
			expected: "v1.2.3",
		},
		{
			name:     "local build",
			info:     &debug.BuildInfo{Main: debug.Module{Path: modulePath, Version: "(devel)"}},
			expected: Default,
		},
		{
			name: "dependency",
			info: &debug.BuildInfo{
				Main: debug.Module{Path: "example.com/emulator"},
				Deps: []*debug.Module{
					{Path: "github.com/ebitengine/purego", Version: "v0.9.1"},
					{Path: modulePath, Version: "v0.1.0"},
				},
			},
			expected: "v0.1.0",
		},
		{
			name: "replaced dependency",
			info: &debug.BuildInfo{
				Main: debug.Module{Path: "example.com/emulator"},
				Deps: []*debug.Module{
					{Path: modulePath, Version: "v0.1.0", Replace: &debug.Module{Path: "../blockjit", Version: "v0.0.0-20260101000000-abcdefabcdef"}},
				},
			},
			expected: "v0.0.0-20260101000000-abcdefabcdef",
		},
		{
			name:     "absent",
			info:     &debug.BuildInfo{Main: debug.Module{Path: "example.com/emulator"}},
			expected: Default,
		},
	}

	for _, tc := range tests {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, versionOf(tt.info))
		})
	}
}

func TestGetBlockjitVersion(t *testing.T) {
	require.NotEmpty(t, GetBlockjitVersion())
}
