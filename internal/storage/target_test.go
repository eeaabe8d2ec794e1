package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		name    string
		uri     string
		backend string
		dbPath  string
		bucket  string
		prefix  string
		wantErr bool
	}{
		{name: "bare path", uri: "onto.db", backend: "sqlite", dbPath: "onto.db"},
		{name: "empty defaults", uri: "", backend: "sqlite", dbPath: "onto.db"},
		{name: "sqlite relative", uri: "sqlite:///data/onto.db", backend: "sqlite", dbPath: "data/onto.db"},
		{name: "sqlite absolute", uri: "sqlite:////var/lib/onto.db", backend: "sqlite", dbPath: "/var/lib/onto.db"},
		{name: "sqlite memory", uri: "sqlite:///:memory:", backend: "sqlite", dbPath: ":memory:"},
		{name: "s3 with prefix", uri: "s3://bucket/team/prod", backend: "s3", bucket: "bucket", prefix: "team/prod"},
		{name: "s3 trailing slash", uri: "s3://bucket/team/", backend: "s3", bucket: "bucket", prefix: "team"},
		{name: "s3 no prefix", uri: "s3://bucket", backend: "s3", bucket: "bucket"},
		{name: "s3 missing bucket", uri: "s3://", wantErr: true},
		{name: "unknown scheme", uri: "redis://x", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target, err := ParseTarget(tc.uri)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.backend, target.Backend)
			assert.Equal(t, tc.dbPath, target.DBPath)
			assert.Equal(t, tc.bucket, target.Bucket)
			assert.Equal(t, tc.prefix, target.Prefix)
		})
	}
}

func TestTemporalConstructors(t *testing.T) {
	assert.Equal(t, TemporalLatest, Latest().Mode)
	assert.Equal(t, Temporal{Mode: TemporalAsOf, Commit: 7}, AsOf(7))
	assert.Equal(t, TemporalWithHistory, WithHistory().Mode)
	assert.Equal(t, Temporal{Mode: TemporalHistorySince, Commit: 3}, HistorySince(3))
}
