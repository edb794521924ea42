package sal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbtrie/sal/sal"
)

func TestDefaultConfig_Validates(t *testing.T) {
	t.Parallel()

	require.NoError(t, sal.DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  func(c *sal.Config)
		wantErr bool
	}{
		{
			name:    "ZeroSegmentSize",
			mutate:  func(c *sal.Config) { c.SegmentSize = 0 },
			wantErr: true,
		},
		{
			name:    "NonPowerOfTwoSegmentSize",
			mutate:  func(c *sal.Config) { c.SegmentSize = 100 },
			wantErr: true,
		},
		{
			name:    "ZeroMaxSegments",
			mutate:  func(c *sal.Config) { c.MaxSegments = 0 },
			wantErr: true,
		},
		{
			name:    "MaxMlockedExceedsMaxSegments",
			mutate:  func(c *sal.Config) { c.MaxSegments = 4; c.MaxMlockedSegments = 8 },
			wantErr: true,
		},
		{
			name:    "FreedThresholdZero",
			mutate:  func(c *sal.Config) { c.CompactorFreedThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "FreedThresholdAboveOne",
			mutate:  func(c *sal.Config) { c.CompactorFreedThreshold = 1.5 },
			wantErr: true,
		},
		{
			name:   "Unmodified",
			mutate: func(c *sal.Config) {},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := sal.DefaultConfig()
			testCase.mutate(&cfg)

			err := cfg.Validate()
			if testCase.wantErr {
				require.ErrorIs(t, err, sal.ErrConfiguration)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig_HujsonWithCommentsAndTrailingCommas(t *testing.T) {
	t.Parallel()

	doc := []byte(`{
		// segment granularity
		"segment_size": 65536,
		"max_segments": 16,
		"checksum_commits": false,
	}`)

	cfg, err := sal.LoadConfig(doc)
	require.NoError(t, err)

	assert.Equal(t, uint64(65536), cfg.SegmentSize)
	assert.Equal(t, uint32(16), cfg.MaxSegments)
	assert.False(t, cfg.ChecksumCommits)

	// Fields left unset fall back to DefaultConfig's values.
	assert.Equal(t, sal.DefaultConfig().CacheTightenNum, cfg.CacheTightenNum)
}

func TestLoadConfig_InvalidJSONFails(t *testing.T) {
	t.Parallel()

	_, err := sal.LoadConfig([]byte(`{not json`))
	require.Error(t, err)
}

func TestLoadConfig_RejectsInvalidConfigValues(t *testing.T) {
	t.Parallel()

	_, err := sal.LoadConfig([]byte(`{"segment_size": 0}`))
	require.ErrorIs(t, err, sal.ErrConfiguration)
}
