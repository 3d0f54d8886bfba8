package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(buckets []float64, value float64) {
	h.count++
	h.sum += value
	for idx, bound := range buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最大桶的值只计入 +Inf，即 count。
}

// family 是一个带固定标签名的指标族，按标签值组合聚合。
type family struct {
	name    string
	help    string
	kind    string
	labels  []string
	buckets []float64

	mu     sync.Mutex
	values map[string]float64
	hists  map[string]*histogram
	keys   map[string][]string
}

func newFamily(name, help, kind string, labels ...string) *family {
	f := &family{
		name:   name,
		help:   help,
		kind:   kind,
		labels: labels,
		values: make(map[string]float64),
		hists:  make(map[string]*histogram),
		keys:   make(map[string][]string),
	}
	if kind == "histogram" {
		f.buckets = defaultBuckets
	}
	return f
}

func (f *family) key(values []string) string {
	k := strings.Join(values, "\xff")
	if _, ok := f.keys[k]; !ok {
		f.keys[k] = append([]string(nil), values...)
	}
	return k
}

func (f *family) add(delta float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[f.key(values)] += delta
}

func (f *family) set(v float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[f.key(values)] = v
}

func (f *family) observe(v float64, values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(values)
	h := f.hists[k]
	if h == nil {
		h = &histogram{counts: make([]uint64, len(f.buckets))}
		f.hists[k] = h
	}
	h.observe(f.buckets, v)
}

func (f *family) labelString(values []string, extra ...string) string {
	pairs := make([]string, 0, len(values)+1)
	for i, name := range f.labels {
		pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", name, escape(values[i])))
	}
	pairs = append(pairs, extra...)
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func (f *family) render(b *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	keys := make([]string, 0, len(f.keys))
	for k := range f.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		values := f.keys[k]
		if f.kind != "histogram" {
			fmt.Fprintf(b, "%s%s %s\n", f.name, f.labelString(values), formatFloat(f.values[k]))
			continue
		}
		h := f.hists[k]
		for idx, bound := range f.buckets {
			fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(values, fmt.Sprintf("le=\"%s\"", formatFloat(bound))), h.counts[idx])
		}
		fmt.Fprintf(b, "%s_bucket%s %d\n", f.name, f.labelString(values, "le=\"+Inf\""), h.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", f.name, f.labelString(values), formatFloat(h.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", f.name, f.labelString(values), h.count)
	}
}

func (f *family) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = make(map[string]float64)
	f.hists = make(map[string]*histogram)
	f.keys = make(map[string][]string)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
