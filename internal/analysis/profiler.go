package analysis

import (
	"hash/fnv"
	"math"
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"uscsv/internal/model"
)

// hllRegisters is the fixed register count of the HLL-lite sketch carried in
// column profiles.
const hllRegisters = 64

const hllPrecision = 6 // log2(hllRegisters)

// HLLLite is a small-register HyperLogLog variant for approximate distinct
// counts. The zero value is an empty sketch; NewHLLLite returns one.
type HLLLite struct {
	registers [hllRegisters]uint8
}

func NewHLLLite() *HLLLite { return &HLLLite{} }

// Add folds one value into the sketch.
func (h *HLLLite) Add(value string) {
	if value == "" {
		return
	}
	hasher := fnv.New64a()
	hasher.Write([]byte(value))
	sum := hasher.Sum64()

	idx := sum & (hllRegisters - 1)
	w := sum >> hllPrecision
	rho := uint8(1)
	if w == 0 {
		rho = 64 - hllPrecision + 1
	} else {
		rho = uint8(bits.LeadingZeros64(w<<hllPrecision)) + 1
		if rho > 64-hllPrecision+1 {
			rho = 64 - hllPrecision + 1
		}
	}
	if rho > h.registers[idx] {
		h.registers[idx] = rho
	}
}

// Estimate returns the approximate distinct count, with the usual
// linear-counting correction for the small range.
func (h *HLLLite) Estimate() int64 {
	m := float64(hllRegisters)
	alpha := 0.7213 / (1 + 1.079/m)
	indicator := 0.0
	zero := 0
	for _, reg := range h.registers {
		indicator += math.Pow(2, -float64(reg))
		if reg == 0 {
			zero++
		}
	}
	if indicator == 0 {
		return 0
	}
	raw := alpha * m * m / indicator
	if zero > 0 && raw < 2.5*m {
		return int64(m * math.Log(m/float64(zero)))
	}
	return int64(raw)
}

// Registers exposes the raw register values for persistence.
func (h *HLLLite) Registers() []uint8 {
	out := make([]uint8, hllRegisters)
	copy(out, h.registers[:])
	return out
}

// topKCapacity bounds the retained frequent-value list per column.
const topKCapacity = 16

// countMin sketch dimensions. Small on purpose: the sketch only assists the
// top-k candidate list, it is not the source of truth for exact counts.
const (
	cmDepth = 4
	cmWidth = 256
)

// TopKSketch tracks approximate heavy hitters with a count-min sketch backing
// a bounded candidate map.
type TopKSketch struct {
	counters   [cmDepth][cmWidth]int64
	candidates map[string]int64
}

func NewTopKSketch() *TopKSketch {
	return &TopKSketch{candidates: make(map[string]int64, topKCapacity*2)}
}

// Add records one occurrence of value.
func (t *TopKSketch) Add(value string) {
	if value == "" {
		return
	}
	est := int64(math.MaxInt64)
	for d := 0; d < cmDepth; d++ {
		h := fnv.New64a()
		h.Write([]byte{byte(d)})
		h.Write([]byte(value))
		idx := h.Sum64() % cmWidth
		t.counters[d][idx]++
		if t.counters[d][idx] < est {
			est = t.counters[d][idx]
		}
	}

	if _, ok := t.candidates[value]; ok {
		t.candidates[value] = est
		return
	}
	if len(t.candidates) < topKCapacity*2 {
		t.candidates[value] = est
		return
	}
	// Evict the weakest candidate when the newcomer looks stronger.
	weakest, weakestCount := "", int64(math.MaxInt64)
	for cand, count := range t.candidates {
		if count < weakestCount {
			weakest, weakestCount = cand, count
		}
	}
	if est > weakestCount {
		delete(t.candidates, weakest)
		t.candidates[value] = est
	}
}

// Top returns up to topKCapacity entries ordered by descending count, ties by
// value for determinism.
func (t *TopKSketch) Top() []model.ValueCount {
	out := make([]model.ValueCount, 0, len(t.candidates))
	for value, count := range t.candidates {
		out = append(out, model.ValueCount{Value: value, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > topKCapacity {
		out = out[:topKCapacity]
	}
	return out
}

// columnMetrics accumulates streaming statistics for one column.
type columnMetrics struct {
	index     int
	header    string
	typeHist  map[string]int
	nulls     int64
	nonNulls  int64
	hll       *HLLLite
	topK      *TopKSketch
	min       string
	max       string
	seenAny   bool
	numMin    float64
	numMax    float64
	seenNum   bool
	samples   []string
	sampleCap int
}

func newColumnMetrics(index int, header string, sampleCap int) *columnMetrics {
	return &columnMetrics{
		index:     index,
		header:    header,
		typeHist:  map[string]int{},
		hll:       NewHLLLite(),
		topK:      NewTopKSketch(),
		sampleCap: sampleCap,
	}
}

func (m *columnMetrics) observe(raw string) {
	value := strings.TrimSpace(raw)
	bucket := ClassifyValue(value)
	m.typeHist[bucket]++
	if bucket == model.TypeNull {
		m.nulls++
		return
	}
	m.nonNulls++
	m.hll.Add(value)
	m.topK.Add(value)

	if !m.seenAny || value < m.min {
		m.min = value
	}
	if !m.seenAny || value > m.max {
		m.max = value
	}
	m.seenAny = true

	if bucket == model.TypeNumeric {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64); err == nil {
			if !m.seenNum || f < m.numMin {
				m.numMin = f
			}
			if !m.seenNum || f > m.numMax {
				m.numMax = f
			}
			m.seenNum = true
		}
	}

	if len(m.samples) < m.sampleCap && !containsValue(m.samples, value) {
		m.samples = append(m.samples, value)
	}
}

func (m *columnMetrics) result(fileID string) model.ColumnProfileResult {
	res := model.ColumnProfileResult{
		FileID:         fileID,
		ColumnIndex:    m.index,
		Header:         m.header,
		TypeHist:       model.EnsureTypeBuckets(m.typeHist),
		UniqueEstimate: m.hll.Estimate(),
		Nulls:          m.nulls,
		NonNulls:       m.nonNulls,
		TopK:           m.topK.Top(),
		SampleValues:   m.samples,
	}
	if m.seenAny {
		res.Min, res.Max = m.min, m.max
	}
	if m.seenNum {
		nmin, nmax := m.numMin, m.numMax
		res.NumericMin, res.NumericMax = &nmin, &nmax
	}
	return res
}

// ColumnProfiler consumes rows of one file and produces per-column profile
// results without retaining the stream.
type ColumnProfiler struct {
	headers   []string
	metrics   map[int]*columnMetrics
	sampleCap int
}

func NewColumnProfiler(sampleCap int) *ColumnProfiler {
	if sampleCap < 1 {
		sampleCap = 1
	}
	return &ColumnProfiler{metrics: map[int]*columnMetrics{}, sampleCap: sampleCap}
}

// ConsumeHeader installs the header row once; later calls are no-ops.
func (p *ColumnProfiler) ConsumeHeader(row []string) {
	if len(p.headers) > 0 {
		return
	}
	headers := make([]string, len(row))
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = defaultColumnName(i)
		}
		headers[i] = name
	}
	p.headers = headers
}

// ObserveRow folds one data row into the profiler, growing the header list
// when rows are wider than the header.
func (p *ColumnProfiler) ObserveRow(row []string) {
	width := maxInt(len(row), len(p.headers))
	for len(p.headers) < width {
		p.headers = append(p.headers, defaultColumnName(len(p.headers)))
	}
	for idx := 0; idx < width; idx++ {
		value := ""
		if idx < len(row) {
			value = row[idx]
		}
		m := p.metrics[idx]
		if m == nil {
			m = newColumnMetrics(idx, p.headers[idx], p.sampleCap)
			p.metrics[idx] = m
		}
		m.observe(value)
	}
}

// Finalize returns profiles ordered by column index.
func (p *ColumnProfiler) Finalize(fileID string) []model.ColumnProfileResult {
	out := make([]model.ColumnProfileResult, 0, len(p.headers))
	for idx := range p.headers {
		m := p.metrics[idx]
		if m == nil {
			m = newColumnMetrics(idx, p.headers[idx], p.sampleCap)
		}
		out = append(out, m.result(fileID))
	}
	return out
}

func defaultColumnName(idx int) string {
	return "column_" + strconv.Itoa(idx+1)
}
