package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/database"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

var exportTime = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func seededLedger(t *testing.T, n int) *ledger.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.NewStore(db)
	require.NoError(t, l.Init(ctx))
	canon, err := canonicalize.New()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		raw := []byte(`{"source":"billing","external_id":"inv_` + string(rune('a'+i)) + `"}`)
		res, err := canon.Canonicalize(raw)
		require.NoError(t, err)
		require.NoError(t, l.Append(ctx, &ledger.Event{
			Hash: res.Hash, Canonical: res.Canonical, Source: "billing",
			ExternalID: res.Envelope.ExternalID, Payload: raw,
		}))
	}
	return l
}

func TestExportToFileSink(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t, 3)
	dir := t.TempDir()
	sink, err := OpenSink(ctx, "file://"+dir)
	require.NoError(t, err)

	m, err := NewExporter(l, sink).WithClock(func() time.Time { return exportTime }).Export(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Count)
	assert.Equal(t, int64(1), m.FromSeq)
	assert.Equal(t, int64(3), m.ToSeq)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head.ChainHash, m.ChainHash)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"ledger-000000000001-000000000003.jsonl",
		"ledger-000000000001-000000000003.manifest.json",
	}, names)

	data, err := os.ReadFile(filepath.Join(dir, m.File))
	require.NoError(t, err)
	require.NoError(t, CheckExport(m, data, ledger.GenesisHash))

	data[len(data)-3] ^= 0x01
	assert.Error(t, CheckExport(m, data, ledger.GenesisHash))
}

func TestIncrementalExport(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t, 4)
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	exp := NewExporter(l, sink)

	first, err := exp.Export(ctx, 0)
	require.NoError(t, err)

	m, err := exp.Export(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Count)
	assert.Equal(t, int64(3), m.FromSeq)
	assert.Equal(t, first.ChainHash, m.ChainHash)

	empty, err := exp.Export(ctx, 4)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.File)
}

func TestExportRefusesTamperedChain(t *testing.T) {
	ctx := context.Background()
	l := seededLedger(t, 2)
	_, err := l.DB().ExecContext(ctx, `UPDATE ledger SET hash = 'forged' WHERE seq = 1`)
	require.NoError(t, err)

	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	_, err = NewExporter(l, sink).Export(ctx, 0)
	require.ErrorIs(t, err, ErrChainInvalid)
}

func TestOpenSink(t *testing.T) {
	ctx := context.Background()

	s, err := OpenSink(ctx, filepath.Join(t.TempDir(), "plain"))
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	_, err = OpenSink(ctx, "")
	assert.Error(t, err)
	_, err = OpenSink(ctx, "ftp://host/x")
	assert.Error(t, err)
}

func TestFileSinkRejectsPathTraversal(t *testing.T) {
	s, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "../escape", []byte("x")))
}
