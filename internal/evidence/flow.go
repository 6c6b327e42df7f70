package evidence

import (
	"fmt"
	"sort"

	"github.com/threatwatch/threatwatch/internal/features"
)

// Trigger levels and normal-traffic baselines on normalized flow values.
const (
	highBwdPktsRate  = 0.5
	highFlowPktsRate = 0.3
	lowFlowDuration  = 0.01
	highPSHFlags     = 0.5
	highFwdPktsRate  = 0.3
	lowDstPort       = 0.01
	highBwdPkts      = 0.5
	highRSTFlags     = 0.3

	normalBwdPktsRate  = 0.008
	normalFlowPktsRate = 0.024
	normalFlowDuration = 0.5

	maxTopFeatures = 5
)

// inspectedFlowFields feed top_features, in rule order.
var inspectedFlowFields = []string{
	"bwd_pkts_s", "flow_pkts_s", "flow_duration", "psh_flag_cnt",
	"fwd_pkts_s", "dst_port", "tot_bwd_pkts",
}

var wellKnownPorts = []struct {
	port int
	name string
}{
	{21, "FTP"}, {22, "SSH"}, {23, "Telnet"}, {80, "HTTP"}, {443, "HTTPS"}, {3389, "RDP"},
}

// flowDuration defaults to 1 when absent so a missing field never reads as
// an extremely short flow.
func flowDuration(f features.FlowRecord) float64 {
	if v, ok := f["flow_duration"]; ok {
		return v
	}
	return 1
}

var flowCatalog = &Catalog[features.FlowRecord]{
	Model: "brute_force",
	Rules: []Rule[features.FlowRecord]{
		RuleFunc[features.FlowRecord]{
			ID: "bwd_pkts_s", Indicator: "Extremely high backward packet rate", Severity: SeverityCritical,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("bwd_pkts_s")
				if v < highBwdPktsRate {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Current value: %.4f (normalized)", v),
					fmt.Sprintf("Normal value: ~%.4f", normalBwdPktsRate),
					fmt.Sprintf("Ratio: %.1fx above normal", v/normalBwdPktsRate),
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "flow_pkts_s", Indicator: "Very high flow packet rate", Severity: SeverityHigh,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("flow_pkts_s")
				if v < highFlowPktsRate {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Current value: %.4f", v),
					fmt.Sprintf("Normal value: ~%.4f", normalFlowPktsRate),
					fmt.Sprintf("Ratio: %.1fx above normal", v/normalFlowPktsRate),
					"Typical of automated traffic",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "flow_duration", Indicator: "Extremely short flow duration", Severity: SeverityHigh,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := flowDuration(f)
				if v >= lowFlowDuration {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Current duration: %.6f (normalized)", v),
					fmt.Sprintf("Normal duration: ~%.2f", normalFlowDuration),
					"Very fast connections typical of brute force",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "psh_flag_cnt", Indicator: "High PSH flag count", Severity: SeverityMedium,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("psh_flag_cnt")
				if v < highPSHFlags {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Value: %.4f", v),
					"PSH flag signals immediate data delivery",
					"Signature of automated tools",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "fwd_pkts_s", Indicator: "High forward packet rate", Severity: SeverityMedium,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("fwd_pkts_s")
				if v < highFwdPktsRate {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Value: %.4f", v),
					"High volume of outgoing requests",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "dst_port", Indicator: "Destination port commonly targeted by attacks", Severity: SeverityLow,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("dst_port")
				if v <= 0 || v >= lowDstPort {
					return nil, false
				}
				port := int(v * 65535)
				name := ""
				for _, p := range wellKnownPorts {
					if abs(port-p.port) < 10 {
						name = " (" + p.name + ")"
						break
					}
				}
				return []string{
					fmt.Sprintf("Approximate port: %d%s", port, name),
					"Low ports are frequent targets",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "tot_bwd_pkts", Indicator: "High volume of response packets", Severity: SeverityMedium,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("tot_bwd_pkts")
				if v < highBwdPkts {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Value: %.4f", v),
					"Indicates multiple server responses",
				}, true
			},
		},
		RuleFunc[features.FlowRecord]{
			ID: "rst_flag_cnt", Indicator: "High RST flag count", Severity: SeverityMedium,
			Check: func(f features.FlowRecord) ([]string, bool) {
				v := f.Get("rst_flag_cnt")
				if v < highRSTFlags {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Value: %.4f", v),
					"Indicates rejected or reset connections",
					"Common in failed authentication attempts",
				}, true
			},
		},
	},
	Summaries: Summaries{
		Threat: func(t Tally) string {
			return fmt.Sprintf("Brute force attack detected with %.1f%% confidence based on network patterns.", t.ConfidencePct)
		},
		ThreatIndicators: func(t Tally) string {
			return fmt.Sprintf("Brute force attack detected: %s (%d critical, %d high).",
				countNoun(t.Total, "network anomaly", "network anomalies"), t.Critical, t.High)
		},
		Benign: func(t Tally) string {
			return fmt.Sprintf("Benign traffic with %.1f%% confidence. Normal network patterns.", t.ConfidencePct)
		},
		BenignIndicators: func(t Tally) string {
			return fmt.Sprintf("Traffic classified as benign with %.1f%% confidence, although %s %s detected.",
				t.ConfidencePct, countNoun(t.Total, "unusual pattern", "unusual patterns"), plural(t.Total, "was", "were"))
		},
	},
}

// FlowExplanation adds the largest inspected flow values.
type FlowExplanation struct {
	Explanation
	TopFeatures []FeatureValue `json:"top_features"`
}

// FeatureValue is one named flow value.
type FeatureValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ExplainFlow runs the brute-force catalog.
func ExplainFlow(f features.FlowRecord, threat bool, confidence float64) FlowExplanation {
	exp, _ := flowCatalog.Explain(f, threat, confidence)
	return FlowExplanation{Explanation: exp, TopFeatures: topFeatures(f)}
}

func topFeatures(f features.FlowRecord) []FeatureValue {
	vals := make([]FeatureValue, 0, len(inspectedFlowFields))
	for _, name := range inspectedFlowFields {
		v := f.Get(name)
		if name == "flow_duration" {
			v = flowDuration(f)
		}
		vals = append(vals, FeatureValue{Name: name, Value: v})
	}
	sort.SliceStable(vals, func(i, j int) bool { return vals[i].Value > vals[j].Value })
	if len(vals) > maxTopFeatures {
		vals = vals[:maxTopFeatures]
	}
	return vals
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
