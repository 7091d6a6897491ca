package sampler

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/vyrodovalexey/kvgate/internal/config"
)

// Extraction errors.
var (
	ErrMetricNotFound = errors.New("metric not found")
	ErrInvalidMetric  = errors.New("invalid metric value")
)

// MetricSpec selects one series from a metrics exposition: a metric name and
// a set of labels that the series must carry (other labels are ignored).
type MetricSpec struct {
	Name   string
	Labels map[string]string
}

// ParseMetricSpec parses "name", "name{k=v}" or "name{k=v,k2=v2}". Label
// values may be quoted.
func ParseMetricSpec(s string) (MetricSpec, error) {
	s = strings.TrimSpace(s)
	spec := MetricSpec{Name: s, Labels: map[string]string{}}

	open, closing := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if open != -1 || closing != -1 {
		if open == -1 || closing == -1 || closing < open {
			return MetricSpec{}, fmt.Errorf("metric spec %q: malformed label block", s)
		}
		if closing != len(s)-1 {
			return MetricSpec{}, fmt.Errorf("metric spec %q: unexpected text after labels", s)
		}
		spec.Name = strings.TrimSpace(s[:open])

		pairs, err := splitLabelPairs(strings.TrimSpace(s[open+1 : closing]))
		if err != nil {
			return MetricSpec{}, fmt.Errorf("metric spec %q: %w", s, err)
		}
		for _, pair := range pairs {
			k, v, ok := strings.Cut(pair, "=")
			k = strings.TrimSpace(k)
			v, err = labelValue(strings.TrimSpace(v))
			if !ok || k == "" || v == "" || err != nil {
				return MetricSpec{}, fmt.Errorf("metric spec %q: invalid label pair %q", s, pair)
			}
			spec.Labels[k] = v
		}
	}

	if spec.Name == "" {
		return MetricSpec{}, fmt.Errorf("metric spec %q: empty metric name", s)
	}
	return spec, nil
}

// splitLabelPairs splits a label block on commas outside double quotes.
func splitLabelPairs(body string) ([]string, error) {
	if body == "" {
		return nil, nil
	}
	var (
		pairs   []string
		start   int
		quoted  bool
		escaped bool
	)
	for i := 0; i < len(body); i++ {
		switch c := body[i]; {
		case escaped:
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			pairs = append(pairs, body[start:i])
			start = i + 1
		}
	}
	if quoted {
		return nil, errors.New("unterminated quoted label value")
	}
	return append(pairs, body[start:]), nil
}

// labelValue unquotes a quoted label value. Bare values are returned as is.
func labelValue(v string) (string, error) {
	if !strings.HasPrefix(v, `"`) {
		return v, nil
	}
	return strconv.Unquote(v)
}

// String renders the spec in the form accepted by ParseMetricSpec.
func (s MetricSpec) String() string {
	if len(s.Labels) == 0 {
		return s.Name
	}
	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(s.Name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		v := s.Labels[k]
		if strings.ContainsAny(v, `,"{}= \`) {
			v = strconv.Quote(v)
		}
		sb.WriteString(v)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Value returns the value of the newest series in families that matches the
// spec.
func (s MetricSpec) Value(families map[string]*dto.MetricFamily) (float64, error) {
	mf, ok := families[s.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMetricNotFound, s)
	}

	var (
		latest *dto.Metric
		ts     int64 = -1
	)
	for _, m := range mf.GetMetric() {
		if !labelsMatch(m.GetLabel(), s.Labels) {
			continue
		}
		if m.GetTimestampMs() > ts {
			ts = m.GetTimestampMs()
			latest = m
		}
	}
	if latest == nil {
		return 0, fmt.Errorf("%w: no series of %s matches", ErrMetricNotFound, s)
	}

	var v float64
	switch mf.GetType() {
	case dto.MetricType_GAUGE:
		v = latest.GetGauge().GetValue()
	case dto.MetricType_COUNTER:
		v = latest.GetCounter().GetValue()
	case dto.MetricType_UNTYPED:
		v = latest.GetUntyped().GetValue()
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %s", ErrInvalidMetric, s, mf.GetType())
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is %v", ErrInvalidMetric, s, v)
	}
	return v, nil
}

func labelsMatch(have []*dto.LabelPair, want map[string]string) bool {
	for name, value := range want {
		found := false
		for _, l := range have {
			if l.GetName() == name && l.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Source turns a metrics exposition into one normalized pressure value.
// A gauge source reads a utilization value directly (vLLM
// gpu_cache_usage_perc style); a ratio source divides a used counter by a
// capacity counter (TensorRT-LLM kv cache block style).
type Source struct {
	Gauge    *MetricSpec
	Used     *MetricSpec
	Capacity *MetricSpec
	Scale    float64
}

// NewSource builds a Source from configuration.
func NewSource(cfg config.MetricsSource) (Source, error) {
	src := Source{Scale: cfg.Scale}
	if src.Scale == 0 {
		src.Scale = 1
	}

	parse := func(raw string) (*MetricSpec, error) {
		spec, err := ParseMetricSpec(raw)
		if err != nil {
			return nil, err
		}
		return &spec, nil
	}

	var err error
	switch {
	case cfg.Gauge != "":
		src.Gauge, err = parse(cfg.Gauge)
	case cfg.Used != "" && cfg.Capacity != "":
		if src.Used, err = parse(cfg.Used); err == nil {
			src.Capacity, err = parse(cfg.Capacity)
		}
	default:
		err = errors.New("no pressure metric configured")
	}
	if err != nil {
		return Source{}, err
	}
	return src, nil
}

// Pressure extracts the pressure value in [0, 1].
func (s Source) Pressure(families map[string]*dto.MetricFamily) (float64, error) {
	var p float64
	if s.Gauge != nil {
		v, err := s.Gauge.Value(families)
		if err != nil {
			return 0, err
		}
		p = v * s.Scale
	} else {
		used, err := s.Used.Value(families)
		if err != nil {
			return 0, err
		}
		capacity, err := s.Capacity.Value(families)
		if err != nil {
			return 0, err
		}
		if capacity <= 0 {
			return 0, fmt.Errorf("%w: capacity %s is %v", ErrInvalidMetric, s.Capacity, capacity)
		}
		p = used / capacity
	}
	return math.Max(0, math.Min(1, p)), nil
}

// ParseFamilies parses a Prometheus text exposition.
func ParseFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}
