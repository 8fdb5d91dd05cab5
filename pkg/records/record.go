// Package records defines the canonical per-sample record and its
// derivation from a posted agent batch. Derivation is a pure function of
// the JSON body; nothing here touches the network or the database.
package records

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// DataType classifies a series' values.
type DataType int

const (
	TypeNone DataType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeCount64
	TypeCount
)

// Valid reports whether t is a declared enum value.
func (t DataType) Valid() bool {
	return t >= TypeNone && t <= TypeCount
}

// Numeric reports whether values of this type are stored in the data table.
// NONE and STRING records materialize dimensions only.
func (t DataType) Numeric() bool {
	return t >= TypeInt && t <= TypeCount
}

// Counter reports whether read-back must derive per-second rates.
func (t DataType) Counter() bool {
	return t == TypeCount64 || t == TypeCount
}

func (t DataType) String() string {
	switch t {
	case TypeNone:
		return "NONE"
	case TypeString:
		return "STRING"
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeCount64:
		return "COUNT64"
	case TypeCount:
		return "COUNT"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Reserved per-datapoint pair keys. Everything else in a datapoint's pair
// list is metadata.
const (
	ReservedKey      = "pattoo_key"
	ReservedValue    = "pattoo_value"
	ReservedDataType = "pattoo_data_type"
)

// MaxKeyPairLength bounds every key and value string stored in the pair and
// agent tables.
const MaxKeyPairLength = 512

// Pair is a (key, value) dimension string pair. Case and encoding are
// preserved end to end.
type Pair struct {
	Key   string
	Value string
}

// DataPoints is the sample section of a posted batch. key_value_pairs maps
// a string index to a [key, value] tuple; datapoint_pairs lists, per
// datapoint, the indexes of the pairs that describe it.
type DataPoints struct {
	DataPointPairs [][]int                  `json:"datapoint_pairs"`
	KeyValuePairs  map[string][]interface{} `json:"key_value_pairs"`
}

// Payload mirrors the wire body of POST /receive/{source}.
type Payload struct {
	Timestamp       int64      `json:"pattoo_agent_timestamp"`
	AgentID         string     `json:"pattoo_agent_id"`
	AgentProgram    string     `json:"pattoo_agent_program"`
	AgentHostname   string     `json:"pattoo_agent_hostname"`
	PollingInterval int64      `json:"pattoo_agent_polling_interval"`
	PolledTarget    string     `json:"pattoo_agent_polled_target"`
	DataPoints      DataPoints `json:"pattoo_datapoints"`
}

// Record is one sample with its full series identity.
type Record struct {
	Checksum          string
	Key               string
	Value             float64
	DataType          DataType
	PollingInterval   int64
	AgentID           string
	AgentPolledTarget string
	AgentProgram      string
	AgentHostname     string
	Timestamp         int64
	Metadata          []Pair
}

// NamespacedKey is the series key namespaced by the emitting program, the
// value of the synthetic pattoo_key pair.
func (r *Record) NamespacedKey() string {
	return r.AgentProgram + "_" + r.Key
}

// KeyPairs returns the pairs materialized for this record's datapoint: its
// metadata plus the synthetic pattoo_key pair.
func (r *Record) KeyPairs() []Pair {
	pairs := make([]Pair, 0, len(r.Metadata)+1)
	pairs = append(pairs, r.Metadata...)
	pairs = append(pairs, Pair{Key: ReservedKey, Value: r.NamespacedKey()})
	return pairs
}

// Checksum fingerprints a series: agent identity, namespaced key, and the
// sorted metadata pairs. Metadata is part of the hash, which is why a
// datapoint's pair set is immutable once its checksum is materialized.
func Checksum(agentID, polledTarget, namespacedKey string, metadata []Pair) string {
	sorted := make([]Pair, len(metadata))
	copy(sorted, metadata)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Value < sorted[j].Value
	})

	h := xxhash.New()
	for _, s := range []string{agentID, polledTarget, namespacedKey} {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	for _, p := range sorted {
		h.WriteString(p.Key)
		h.Write([]byte{0})
		h.WriteString(p.Value)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Decompose derives records from a posted batch. Malformed datapoint entries
// are skipped and reported in the returned error slice; they never abort the
// batch. A payload missing its agent identity or carrying a non-positive
// timestamp or interval yields no records.
func Decompose(p *Payload) ([]Record, []error) {
	var errs []error
	if p.AgentID == "" || len(p.AgentID) > MaxKeyPairLength {
		return nil, append(errs, fmt.Errorf("invalid pattoo_agent_id %q", p.AgentID))
	}
	if len(p.PolledTarget) > MaxKeyPairLength {
		return nil, append(errs, fmt.Errorf("invalid pattoo_agent_polled_target %q", p.PolledTarget))
	}
	if p.Timestamp <= 0 {
		return nil, append(errs, fmt.Errorf("invalid pattoo_agent_timestamp %d", p.Timestamp))
	}
	if p.PollingInterval <= 0 {
		return nil, append(errs, fmt.Errorf("invalid pattoo_agent_polling_interval %d", p.PollingInterval))
	}

	records := make([]Record, 0, len(p.DataPoints.DataPointPairs))
	for entry, idxList := range p.DataPoints.DataPointPairs {
		rec, err := p.record(idxList)
		if err != nil {
			errs = append(errs, fmt.Errorf("datapoint entry %d: %w", entry, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// record assembles one Record from a datapoint's pair-index list.
func (p *Payload) record(idxList []int) (Record, error) {
	var (
		key      string
		rawValue interface{}
		haveVal  bool
		dataType = -1
		metadata []Pair
	)
	for _, idx := range idxList {
		kv, ok := p.DataPoints.KeyValuePairs[strconv.Itoa(idx)]
		if !ok {
			return Record{}, fmt.Errorf("pair index %d not in key_value_pairs", idx)
		}
		if len(kv) != 2 {
			return Record{}, fmt.Errorf("pair index %d is not a [key, value] tuple", idx)
		}
		pairKey, ok := kv[0].(string)
		if !ok {
			return Record{}, fmt.Errorf("pair index %d has a non-string key", idx)
		}
		switch pairKey {
		case ReservedKey:
			key = stringify(kv[1])
		case ReservedValue:
			rawValue = kv[1]
			haveVal = true
		case ReservedDataType:
			dt, err := toInt(kv[1])
			if err != nil {
				return Record{}, fmt.Errorf("pattoo_data_type: %w", err)
			}
			dataType = dt
		default:
			metadata = append(metadata, Pair{
				Key:   truncate(pairKey),
				Value: truncate(stringify(kv[1])),
			})
		}
	}

	if key == "" || len(key) > MaxKeyPairLength {
		return Record{}, fmt.Errorf("missing or oversize pattoo_key")
	}
	dt := DataType(dataType)
	if dataType < 0 || !dt.Valid() {
		return Record{}, fmt.Errorf("missing or unknown pattoo_data_type %d", dataType)
	}

	rec := Record{
		Key:               key,
		DataType:          dt,
		PollingInterval:   p.PollingInterval,
		AgentID:           p.AgentID,
		AgentPolledTarget: p.PolledTarget,
		AgentProgram:      p.AgentProgram,
		AgentHostname:     p.AgentHostname,
		Timestamp:         p.Timestamp,
		Metadata:          metadata,
	}
	if dt.Numeric() {
		if !haveVal {
			return Record{}, fmt.Errorf("missing pattoo_value")
		}
		value, err := toFloat(rawValue)
		if err != nil {
			return Record{}, fmt.Errorf("pattoo_value: %w", err)
		}
		rec.Value = value
	}
	rec.Checksum = Checksum(p.AgentID, p.PolledTarget, rec.NamespacedKey(), metadata)
	return rec, nil
}

// GroupByAgent splits records into per-agent lists, preserving arrival
// order within each list. Keys returns the agent ids in first-seen order.
func GroupByAgent(recs []Record) map[string][]Record {
	groups := make(map[string][]Record)
	for _, r := range recs {
		groups[r.AgentID] = append(groups[r.AgentID], r)
	}
	return groups
}

// SortByTimestamp orders records ascending by timestamp, stably, so samples
// posted in order stay in order under equal timestamps.
func SortByTimestamp(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp < recs[j].Timestamp
	})
}

// Normalize floors a millisecond timestamp to a multiple of the polling
// interval. Every stored timestamp and last_timestamp is normalized.
func Normalize(timestamp, pollingInterval int64) int64 {
	if pollingInterval <= 0 {
		return timestamp
	}
	return (timestamp / pollingInterval) * pollingInterval
}

// Round10 rounds to 10 decimal places, the precision of stored values and
// derived rates.
func Round10(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*1e10) / 1e10
}

// truncate caps s at MaxKeyPairLength bytes, backing off to the nearest
// rune boundary so a stored pair string is never invalid UTF-8.
func truncate(s string) string {
	if len(s) <= MaxKeyPairLength {
		return s
	}
	cut := MaxKeyPairLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("non-numeric value %v", v)
	}
}

func toInt(v interface{}) (int, error) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("non-integer %v", val)
		}
		return int(val), nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("non-integer %q", val)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("non-integer %v", v)
	}
}
