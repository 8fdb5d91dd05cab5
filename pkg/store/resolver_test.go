package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pattoo-project/pattood/pkg/logger"
	"github.com/pattoo-project/pattood/pkg/records"
)

// mockDimensionStore keeps the dimension state in memory and records the
// order of materialization calls.
type mockDimensionStore struct {
	table      ChecksumTable
	agents     map[string]int64
	datapoints map[string]int64
	pairs      PairTable
	glue       map[int64][]int64
	calls      []string
	nextID     int64
}

func newMockDimensionStore() *mockDimensionStore {
	return &mockDimensionStore{
		table:      make(ChecksumTable),
		agents:     make(map[string]int64),
		datapoints: make(map[string]int64),
		pairs:      make(PairTable),
		glue:       make(map[int64][]int64),
	}
}

func (m *mockDimensionStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *mockDimensionStore) ChecksumTable(ctx context.Context, agentID string) (ChecksumTable, error) {
	m.calls = append(m.calls, "table")
	snapshot := make(ChecksumTable, len(m.table))
	for checksum, meta := range m.table {
		snapshot[checksum] = meta
	}
	return snapshot, nil
}

func (m *mockDimensionStore) EnsureAgent(ctx context.Context, rec records.Record) (int64, error) {
	m.calls = append(m.calls, "agent")
	key := rec.AgentID + "\x00" + rec.AgentPolledTarget
	if idx, ok := m.agents[key]; ok {
		return idx, nil
	}
	m.agents[key] = m.id()
	return m.agents[key], nil
}

func (m *mockDimensionStore) EnsureDataPoint(ctx context.Context, idxAgent int64, rec records.Record) (int64, error) {
	m.calls = append(m.calls, "datapoint")
	if idx, ok := m.datapoints[rec.Checksum]; ok {
		return idx, nil
	}
	idx := m.id()
	m.datapoints[rec.Checksum] = idx
	m.table[rec.Checksum] = DataPointMeta{
		IdxDataPoint:    idx,
		PollingInterval: rec.PollingInterval,
		LastTimestamp:   0,
	}
	return idx, nil
}

func (m *mockDimensionStore) EnsurePairs(ctx context.Context, pairs []records.Pair) (PairTable, error) {
	m.calls = append(m.calls, "pairs")
	table := make(PairTable, len(pairs))
	for _, p := range pairs {
		if _, ok := m.pairs[p]; !ok {
			m.pairs[p] = m.id()
		}
		table[p] = m.pairs[p]
	}
	return table, nil
}

func (m *mockDimensionStore) EnsureGlue(ctx context.Context, idxDataPoint int64, pairIDs []int64) error {
	m.calls = append(m.calls, "glue")
	m.glue[idxDataPoint] = append(m.glue[idxDataPoint], pairIDs...)
	return nil
}

// advance mimics the data writer moving a datapoint's high-water mark.
func (m *mockDimensionStore) advance(checksum string, timestamp int64) {
	meta := m.table[checksum]
	if timestamp > meta.LastTimestamp {
		meta.LastTimestamp = timestamp
		m.table[checksum] = meta
	}
}

func testRecord(key string, timestamp int64, dataType records.DataType, value float64) records.Record {
	rec := records.Record{
		Key:               key,
		Value:             value,
		DataType:          dataType,
		PollingInterval:   10000,
		AgentID:           "agent-1",
		AgentPolledTarget: "localhost",
		AgentProgram:      "pattoo_agent_os",
		Timestamp:         timestamp,
	}
	rec.Checksum = records.Checksum(rec.AgentID, rec.AgentPolledTarget, rec.NamespacedKey(), nil)
	return rec
}

// sharedPairs materializes the pre-pass pair table the ingester would hand
// every worker.
func sharedPairs(m *mockDimensionStore, recs ...records.Record) PairTable {
	var union []records.Pair
	for _, rec := range recs {
		union = append(union, rec.KeyPairs()...)
	}
	table, _ := m.EnsurePairs(context.Background(), union)
	m.calls = nil
	return table
}

func TestResolve_SkipsTimestampsAtOrBelowHighWater(t *testing.T) {
	m := newMockDimensionStore()
	rec := testRecord("cpu", 1700000020000, records.TypeFloat, 1.5)
	m.table[rec.Checksum] = DataPointMeta{IdxDataPoint: 7, PollingInterval: 10000, LastTimestamp: 1700000010000}

	older := rec
	older.Timestamp = 1700000000000
	equal := rec
	equal.Timestamp = 1700000010000
	// Normalizes down onto the high-water mark, so it is skipped too.
	stale := rec
	stale.Timestamp = 1700000019999

	resolver := NewResolver(m, nil, logger.Nop())
	items, err := resolver.Resolve(context.Background(), "agent-1", []records.Record{older, equal, stale, rec})
	require.NoError(t, err)

	require.Len(t, items, 1)
	require.Equal(t, int64(7), items[0].IdxDataPoint)
	require.Equal(t, int64(1700000020000), items[0].Timestamp)
	// Known checksum: no dimension rows were touched.
	require.Equal(t, []string{"table"}, m.calls)
}

func TestResolve_NormalizesTimestamps(t *testing.T) {
	m := newMockDimensionStore()
	rec := testRecord("cpu", 1700000000123, records.TypeFloat, 1.5)
	m.table[rec.Checksum] = DataPointMeta{IdxDataPoint: 3, PollingInterval: 10000, LastTimestamp: 0}

	resolver := NewResolver(m, nil, logger.Nop())
	items, err := resolver.Resolve(context.Background(), "agent-1", []records.Record{rec})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(1700000000000), items[0].Timestamp)
}

func TestResolve_MaterializesUnknownChecksum(t *testing.T) {
	m := newMockDimensionStore()
	rec := testRecord("cpu", 1700000000000, records.TypeFloat, 1.5)
	pairs := sharedPairs(m, rec)

	resolver := NewResolver(m, pairs, logger.Nop())
	items, err := resolver.Resolve(context.Background(), "agent-1", []records.Record{rec})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Agent before datapoint before glue; pair ids came from the shared
	// table, so no pair insert ran.
	require.Equal(t, []string{"table", "agent", "datapoint", "glue"}, m.calls)
	idx := m.datapoints[rec.Checksum]
	require.Equal(t, idx, items[0].IdxDataPoint)
	require.Len(t, m.glue[idx], 1)
}

func TestResolve_StragglerPairsFallBackToInsert(t *testing.T) {
	m := newMockDimensionStore()
	rec := testRecord("cpu", 1700000000000, records.TypeFloat, 1.5)
	rec.Metadata = []records.Pair{{Key: "unit", Value: "seconds"}}
	rec.Checksum = records.Checksum(rec.AgentID, rec.AgentPolledTarget, rec.NamespacedKey(), rec.Metadata)

	// Shared table covers only the synthetic pattoo_key pair; the metadata
	// pair bypassed the pre-pass.
	partial := sharedPairs(m, testRecord("cpu", 1700000000000, records.TypeFloat, 1.5))

	resolver := NewResolver(m, partial, logger.Nop())
	items, err := resolver.Resolve(context.Background(), "agent-1", []records.Record{rec})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, []string{"table", "agent", "datapoint", "pairs", "glue"}, m.calls)
	require.Len(t, m.glue[m.datapoints[rec.Checksum]], 2)
}

func TestResolve_StringRecordMaterializesDimensionsOnly(t *testing.T) {
	m := newMockDimensionStore()
	rec := testRecord("os_release", 1700000000000, records.TypeString, 0)
	pairs := sharedPairs(m, rec)

	resolver := NewResolver(m, pairs, logger.Nop())
	items, err := resolver.Resolve(context.Background(), "agent-1", []records.Record{rec})
	require.NoError(t, err)
	require.Empty(t, items)
	require.Contains(t, m.datapoints, rec.Checksum)
}

func TestResolve_DoubleIngestYieldsNothingNew(t *testing.T) {
	m := newMockDimensionStore()
	first := testRecord("cpu", 1700000000000, records.TypeFloat, 1.5)
	second := testRecord("cpu", 1700000010000, records.TypeFloat, 2.5)
	pairs := sharedPairs(m, first)

	resolver := NewResolver(m, pairs, logger.Nop())
	recs := []records.Record{first, second}
	items, err := resolver.Resolve(context.Background(), "agent-1", recs)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		m.advance(first.Checksum, item.Timestamp)
	}

	// Re-processing the same spool file must not regress or duplicate
	// anything: the high-water mark now covers both timestamps.
	again, err := resolver.Resolve(context.Background(), "agent-1", recs)
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, int64(1700000010000), m.table[first.Checksum].LastTimestamp)
}
