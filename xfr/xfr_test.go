package xfr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/jmanero/dnsframe"
	"github.com/jmanero/dnsframe/zone"
)

func testName(t *testing.T, s string) dnsmessage.Name {
	t.Helper()
	n, err := dnsmessage.NewName(s)
	require.NoError(t, err)
	return n
}

func buildTestZone(t *testing.T, serial uint32) *zone.Zone {
	t.Helper()
	z := zone.NewZone(testName(t, "example.com."), dnsmessage.ClassINET, 4)

	w := z.Write()
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeSOA, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.SOAResource{
			NS: testName(t, "ns1.example.com."), MBox: testName(t, "hostmaster.example.com."),
			Serial: serial, Refresh: 3600, Retry: 600, Expire: 604800, MinTTL: 300,
		},
	}))
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeNS, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.NSResource{NS: testName(t, "ns1.example.com.")},
	}))
	require.NoError(t, w.UpdateRRSet("www", dnsmessage.TypeA, 300, []dnsmessage.ResourceBody{
		&dnsmessage.AResource{A: [4]byte{192, 0, 2, 1}},
	}))
	_, err := w.Commit()
	require.NoError(t, err)

	return z
}

func drain(t *testing.T, ctx context.Context, tx dnsframe.Transaction) []dnsframe.Item {
	t.Helper()
	var items []dnsframe.Item
	for {
		item, ok := tx.Next(ctx)
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

func TestAXFRStreamsSOAFirstAndLast(t *testing.T) {
	z := buildTestZone(t, 1)
	pool := NewPool(2)
	bufs := dnsframe.NewPoolBufSource(0)
	question := dnsmessage.Question{Name: testName(t, "example.com."), Type: dnsmessage.TypeAXFR, Class: dnsmessage.ClassINET}

	tx := AXFR(context.Background(), pool, bufs, question, z.Read())
	items := drain(t, context.Background(), tx)
	require.NotEmpty(t, items)

	for _, item := range items {
		require.NoError(t, item.Err)
		require.NotNil(t, item.Result)
		require.NotNil(t, item.Result.Response)
	}

	firstQs, err := items[0].Result.Response.Questions()
	require.NoError(t, err)
	assert.Equal(t, question, firstQs[0])

	for _, item := range []dnsframe.Item{items[0], items[len(items)-1]} {
		var p dnsmessage.Parser
		_, err := p.Start(item.Result.Response.Raw())
		require.NoError(t, err)
		require.NoError(t, p.SkipAllQuestions())
		answers, err := p.AllAnswers()
		require.NoError(t, err)
		require.Len(t, answers, 1)
		assert.Equal(t, dnsmessage.TypeSOA, answers[0].Header.Type)
	}
}

func TestIXFRUpToDateClientGetsSingleSOA(t *testing.T) {
	z := buildTestZone(t, 5)
	pool := NewPool(2)
	bufs := dnsframe.NewPoolBufSource(0)
	question := dnsmessage.Question{Name: testName(t, "example.com."), Type: TypeIXFR, Class: dnsmessage.ClassINET}

	tx := IXFR(context.Background(), pool, bufs, question, z, 5)
	items := drain(t, context.Background(), tx)
	require.Len(t, items, 1)
	require.NoError(t, items[0].Err)
}

func TestIXFRFallsBackToAXFRWhenDiffMissing(t *testing.T) {
	z := buildTestZone(t, 10)
	pool := NewPool(2)
	bufs := dnsframe.NewPoolBufSource(0)
	question := dnsmessage.Question{Name: testName(t, "example.com."), Type: TypeIXFR, Class: dnsmessage.ClassINET}

	// clientSerial 1 was never recorded as a diff's OldSerial: the store
	// has no chain back to it, so this should look like an AXFR (more
	// than the single up-to-date-SOA message).
	tx := IXFR(context.Background(), pool, bufs, question, z, 1)
	items := drain(t, context.Background(), tx)
	assert.Greater(t, len(items), 1)
}

func TestIXFRServesIncrementalDiff(t *testing.T) {
	z := buildTestZone(t, 1)

	w := z.Write()
	w.TrackChanges()
	require.NoError(t, w.UpdateRRSet("new", dnsmessage.TypeA, 300, []dnsmessage.ResourceBody{
		&dnsmessage.AResource{A: [4]byte{192, 0, 2, 9}},
	}))
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeSOA, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.SOAResource{
			NS: testName(t, "ns1.example.com."), MBox: testName(t, "hostmaster.example.com."),
			Serial: 2, Refresh: 3600, Retry: 600, Expire: 604800, MinTTL: 300,
		},
	}))
	require.NoError(t, w.UpdateRRSet("", dnsmessage.TypeNS, 3600, []dnsmessage.ResourceBody{
		&dnsmessage.NSResource{NS: testName(t, "ns1.example.com.")},
	}))
	_, err := w.Commit()
	require.NoError(t, err)

	pool := NewPool(2)
	bufs := dnsframe.NewPoolBufSource(0)
	question := dnsmessage.Question{Name: testName(t, "example.com."), Type: TypeIXFR, Class: dnsmessage.ClassINET}

	tx := IXFR(context.Background(), pool, bufs, question, z, 1)
	items := drain(t, context.Background(), tx)
	require.GreaterOrEqual(t, len(items), 3) // new SOA, quadruple, final SOA
	for _, item := range items {
		require.NoError(t, item.Err)
	}
}
