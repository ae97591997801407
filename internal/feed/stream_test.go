package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanLiveSource_DeliversAnnouncements(t *testing.T) {
	src := NewChanLiveSource(4)
	src.Announce(LiveAnnouncement{RoundID: 10, EndSlot: 1050})
	src.Announce(LiveAnnouncement{RoundID: 11, EndSlot: 1150})

	ann, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), ann.RoundID)
	assert.Equal(t, int64(1050), ann.EndSlot)

	ann, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), ann.RoundID)
}

func TestChanLiveSource_NextHonorsContext(t *testing.T) {
	src := NewChanLiveSource(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := src.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseAnnouncement(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		want    LiveAnnouncement
		wantErr bool
	}{
		{
			name:   "round and slot",
			values: map[string]any{"round_id": "42", "end_slot": "9000"},
			want:   LiveAnnouncement{RoundID: 42, EndSlot: 9000},
		},
		{
			name:   "end_slot optional",
			values: map[string]any{"round_id": "42"},
			want:   LiveAnnouncement{RoundID: 42},
		},
		{
			name:    "missing round_id",
			values:  map[string]any{"end_slot": "9000"},
			wantErr: true,
		},
		{
			name:    "non-numeric round_id",
			values:  map[string]any{"round_id": "abc"},
			wantErr: true,
		},
		{
			name:    "round_id wrong type",
			values:  map[string]any{"round_id": 42},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnnouncement(tt.values)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
