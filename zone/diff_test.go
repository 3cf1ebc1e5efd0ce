package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func soaRecord(t *testing.T, serial uint32) *dnsmessage.SOAResource {
	t.Helper()
	return &dnsmessage.SOAResource{
		NS: mustName(t, "ns1.example.com."), MBox: mustName(t, "hostmaster.example.com."),
		Serial: serial, Refresh: 3600, Retry: 600, Expire: 604800, MinTTL: 300,
	}
}

func commitSerial(t *testing.T, z *Zone, serial uint32, track bool, mutate func(*WriteGuard)) {
	t.Helper()
	w := z.Write()
	if track {
		w.TrackChanges()
	}
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeSOA, 3600, []dnsmessage.ResourceBody{soaRecord(t, serial)}))
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeNS, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.NSResource{NS: mustName(t, "ns1.example.com.")},
	}))
	_, err := w.Commit()
	require.NoError(t, err)
}

func TestWriteGuardTracksDiffAcrossCommits(t *testing.T) {
	z := NewZone(mustName(t, "example.com."), dnsmessage.ClassINET, 8)
	commitSerial(t, z, 1, false, nil)

	commitSerial(t, z, 2, true, func(w *WriteGuard) {
		require.NoError(t, w.UpdateRRSet("www", dnsmessage.TypeA, 300, []dnsmessage.ResourceBody{
			&dnsmessage.AResource{A: [4]byte{192, 0, 2, 1}},
		}))
	})

	diffs, ok := z.diffs.Chain(1)
	require.True(t, ok)
	require.Len(t, diffs, 1)
	assert.EqualValues(t, 1, diffs[0].OldSerial)
	assert.EqualValues(t, 2, diffs[0].NewSerial)
	assert.Len(t, diffs[0].added, 1)
}

func TestDiffStoreEvictsOldestBeyondCapacity(t *testing.T) {
	z := NewZone(mustName(t, "example.com."), dnsmessage.ClassINET, 2)
	commitSerial(t, z, 1, false, nil)
	commitSerial(t, z, 2, true, nil)
	commitSerial(t, z, 3, true, nil)
	commitSerial(t, z, 4, true, nil)

	_, ok := z.diffs.Chain(1)
	assert.False(t, ok, "diff from serial 1 should have been evicted")

	diffs, ok := z.diffs.Chain(2)
	require.True(t, ok)
	assert.EqualValues(t, 4, diffs[len(diffs)-1].NewSerial)
}

func TestDiffStoreChainUnknownSerial(t *testing.T) {
	z := NewZone(mustName(t, "example.com."), dnsmessage.ClassINET, 4)
	commitSerial(t, z, 1, false, nil)
	commitSerial(t, z, 2, true, nil)

	_, ok := z.diffs.Chain(999)
	assert.False(t, ok)
}
