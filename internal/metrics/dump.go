package metrics

import (
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Dump writes every gathered family whose name starts with prefix in the
// text exposition format. An empty prefix writes everything.
func Dump(w io.Writer, g prometheus.Gatherer, prefix string) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range filterFamilies(mfs, prefix) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func filterFamilies(mfs []*dto.MetricFamily, prefix string) []*dto.MetricFamily {
	if prefix == "" {
		return mfs
	}
	out := mfs[:0:0]
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), prefix) {
			out = append(out, mf)
		}
	}
	return out
}
