package records

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func testPayload(t *testing.T) *Payload {
	t.Helper()
	body := `{
		"pattoo_agent_timestamp": 1700000000000,
		"pattoo_agent_id": "agent-1",
		"pattoo_agent_program": "pattoo_agent_os",
		"pattoo_agent_hostname": "host1",
		"pattoo_agent_polling_interval": 10000,
		"pattoo_agent_polled_target": "localhost",
		"pattoo_datapoints": {
			"datapoint_pairs": [[0, 1, 2, 3], [4, 5, 6]],
			"key_value_pairs": {
				"0": ["pattoo_key", "cpu_times_user"],
				"1": ["pattoo_value", 1.5],
				"2": ["pattoo_data_type", 3],
				"3": ["unit", "seconds"],
				"4": ["pattoo_key", "if_in_octets"],
				"5": ["pattoo_value", 987654],
				"6": ["pattoo_data_type", 4]
			}
		}
	}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	return &p
}

func TestDecompose(t *testing.T) {
	recs, errs := Decompose(testPayload(t))
	require.Empty(t, errs)
	require.Len(t, recs, 2)

	cpu := recs[0]
	require.Equal(t, "cpu_times_user", cpu.Key)
	require.Equal(t, TypeFloat, cpu.DataType)
	require.Equal(t, 1.5, cpu.Value)
	require.Equal(t, int64(1700000000000), cpu.Timestamp)
	require.Equal(t, int64(10000), cpu.PollingInterval)
	require.Equal(t, "agent-1", cpu.AgentID)
	require.Equal(t, "localhost", cpu.AgentPolledTarget)
	require.Equal(t, []Pair{{Key: "unit", Value: "seconds"}}, cpu.Metadata)
	require.NotEmpty(t, cpu.Checksum)

	octets := recs[1]
	require.Equal(t, TypeCount64, octets.DataType)
	require.Equal(t, float64(987654), octets.Value)
	require.Empty(t, octets.Metadata)

	require.NotEqual(t, cpu.Checksum, octets.Checksum)
}

func TestDecompose_MalformedEntriesSkipped(t *testing.T) {
	p := testPayload(t)
	// Entry referencing a pair index that does not exist.
	p.DataPoints.DataPointPairs = append(p.DataPoints.DataPointPairs, []int{99})
	// Entry with no pattoo_key.
	p.DataPoints.DataPointPairs = append(p.DataPoints.DataPointPairs, []int{1, 2})

	recs, errs := Decompose(p)
	require.Len(t, recs, 2)
	require.Len(t, errs, 2)
}

func TestDecompose_UnknownDataType(t *testing.T) {
	p := testPayload(t)
	p.DataPoints.KeyValuePairs["2"] = []interface{}{"pattoo_data_type", float64(42)}

	recs, errs := Decompose(p)
	require.Len(t, recs, 1)
	require.Len(t, errs, 1)
}

func TestDecompose_InvalidPayload(t *testing.T) {
	cases := map[string]func(*Payload){
		"empty agent id":        func(p *Payload) { p.AgentID = "" },
		"zero timestamp":        func(p *Payload) { p.Timestamp = 0 },
		"zero polling interval": func(p *Payload) { p.PollingInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := testPayload(t)
			mutate(p)
			recs, errs := Decompose(p)
			require.Empty(t, recs)
			require.NotEmpty(t, errs)
		})
	}
}

func TestDecompose_StringTypeNeedsNoValue(t *testing.T) {
	p := testPayload(t)
	p.DataPoints.DataPointPairs = [][]int{{0, 2}}
	p.DataPoints.KeyValuePairs["2"] = []interface{}{"pattoo_data_type", float64(TypeString)}

	recs, errs := Decompose(p)
	require.Empty(t, errs)
	require.Len(t, recs, 1)
	require.Equal(t, TypeString, recs[0].DataType)
	require.False(t, recs[0].DataType.Numeric())
}

func TestDecompose_MetadataTruncatedOnRuneBoundary(t *testing.T) {
	// A two-byte rune straddling the length cap must be dropped whole, not
	// split into an invalid-UTF-8 tail byte.
	long := strings.Repeat("a", MaxKeyPairLength-1) + "é"
	p := testPayload(t)
	p.DataPoints.DataPointPairs = [][]int{{0, 1, 2, 3}}
	p.DataPoints.KeyValuePairs["3"] = []interface{}{"unit", long}

	recs, errs := Decompose(p)
	require.Empty(t, errs)
	require.Len(t, recs, 1)
	got := recs[0].Metadata[0].Value
	require.Equal(t, strings.Repeat("a", MaxKeyPairLength-1), got)
	require.True(t, utf8.ValidString(got))
}

func TestChecksum_Stability(t *testing.T) {
	meta := []Pair{{Key: "unit", Value: "seconds"}, {Key: "core", Value: "0"}}
	a := Checksum("agent-1", "localhost", "prog_cpu", meta)
	// Metadata order must not matter.
	b := Checksum("agent-1", "localhost", "prog_cpu", []Pair{meta[1], meta[0]})
	require.Equal(t, a, b)

	require.NotEqual(t, a, Checksum("agent-2", "localhost", "prog_cpu", meta))
	require.NotEqual(t, a, Checksum("agent-1", "remote", "prog_cpu", meta))
	require.NotEqual(t, a, Checksum("agent-1", "localhost", "prog_mem", meta))
	require.NotEqual(t, a, Checksum("agent-1", "localhost", "prog_cpu", meta[:1]))
}

func TestKeyPairs_SyntheticKey(t *testing.T) {
	rec := Record{
		Key:          "cpu_times_user",
		AgentProgram: "pattoo_agent_os",
		Metadata:     []Pair{{Key: "unit", Value: "seconds"}},
	}
	pairs := rec.KeyPairs()
	require.Len(t, pairs, 2)
	require.Contains(t, pairs, Pair{Key: ReservedKey, Value: "pattoo_agent_os_cpu_times_user"})
}

func TestGroupByAgent(t *testing.T) {
	recs := []Record{
		{AgentID: "a", Key: "k1"},
		{AgentID: "b", Key: "k2"},
		{AgentID: "a", Key: "k3"},
	}
	groups := GroupByAgent(recs)
	require.Len(t, groups, 2)
	require.Equal(t, []string{"k1", "k3"}, []string{groups["a"][0].Key, groups["a"][1].Key})
	require.Len(t, groups["b"], 1)
}

func TestSortByTimestamp_Stable(t *testing.T) {
	recs := []Record{
		{Key: "late", Timestamp: 3000},
		{Key: "first", Timestamp: 1000},
		{Key: "second", Timestamp: 1000},
	}
	SortByTimestamp(recs)
	require.Equal(t, "first", recs[0].Key)
	require.Equal(t, "second", recs[1].Key)
	require.Equal(t, "late", recs[2].Key)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		timestamp, interval, want int64
	}{
		{1700000000123, 10000, 1700000000000},
		{1700000000000, 10000, 1700000000000},
		{1700000009999, 10000, 1700000000000},
		{1234, 1000, 1000},
		{999, 1000, 0},
		{1234, 0, 1234},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Normalize(c.timestamp, c.interval))
	}
}

func TestRound10(t *testing.T) {
	require.Equal(t, 0.3333333333, Round10(1.0/3.0))
	require.Equal(t, 10.0, Round10(10.0))
	require.Equal(t, 0.0000000001, Round10(0.00000000005+0.00000000006))
}

func TestDataType(t *testing.T) {
	require.True(t, TypeCount64.Numeric())
	require.True(t, TypeCount.Counter())
	require.False(t, TypeFloat.Counter())
	require.False(t, TypeString.Numeric())
	require.False(t, DataType(6).Valid())
	require.Equal(t, "COUNT64", TypeCount64.String())
}
