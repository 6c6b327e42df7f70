package evidence

import (
	"fmt"

	"github.com/threatwatch/threatwatch/internal/features"
	"github.com/threatwatch/threatwatch/internal/history"
)

// Login is the account-takeover rule input. Options are the rapid-login and
// long-gap thresholds the features were derived with.
type Login struct {
	Record   features.LoginRecord
	Features features.LoginFeatures
	Options  features.LoginOptions
}

// GeoInfo echoes the login's location fields.
type GeoInfo struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
	ASN     int64  `json:"asn"`
}

// LoginExplanation adds per-indicator risk weights, the raw behavioral flags
// and the login's location.
type LoginExplanation struct {
	Explanation
	RiskFactors map[string]float64 `json:"risk_factors"`
	KeyFeatures map[string]bool    `json:"key_features"`
	GeoInfo     GeoInfo            `json:"geo_info"`
}

// loginRiskWeights is the contribution reported for each fired rule.
var loginRiskWeights = map[string]float64{
	"country_changed": 0.35,
	"ip_changed":      0.15,
	"browser_changed": 0.10,
	"device_changed":  0.10,
	"os_changed":      0.08,
	"is_night":        0.05,
	"is_attack_ip":    0.25,
	"is_rapid_login":  0.05,
	"is_long_gap":     0.03,
	"is_abnormal_rtt": 0.05,
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// changeRule reports a before/after pair for one tracked attribute.
func changeRule(id, indicator, label string, sev Severity,
	changed func(history.ChangeIndicators) bool,
	prev func(history.Attributes) string,
	cur func(features.LoginRecord) string,
) Rule[*Login] {
	return RuleFunc[*Login]{
		ID: id, Indicator: indicator, Severity: sev,
		Check: func(l *Login) ([]string, bool) {
			c := l.Features.Changes
			if !changed(c) {
				return nil, false
			}
			before := "unknown"
			if c.Previous != nil {
				before = orUnknown(prev(c.Previous.Attributes))
			}
			return []string{
				fmt.Sprintf("Previous %s: %s", label, before),
				fmt.Sprintf("Current %s: %s", label, orUnknown(cur(l.Record))),
			}, true
		},
	}
}

var loginCatalog = &Catalog[*Login]{
	Model: "ato",
	Rules: []Rule[*Login]{
		changeRule("country_changed", "Country change detected", "country", SeverityHigh,
			func(c history.ChangeIndicators) bool { return c.CountryChanged },
			func(a history.Attributes) string { return a.Country },
			func(r features.LoginRecord) string { return r.Country }),
		changeRule("ip_changed", "IP address change", "IP", SeverityMedium,
			func(c history.ChangeIndicators) bool { return c.IPChanged },
			func(a history.Attributes) string { return a.IP },
			func(r features.LoginRecord) string { return r.IPAddress }),
		changeRule("browser_changed", "Browser change", "browser", SeverityMedium,
			func(c history.ChangeIndicators) bool { return c.BrowserChanged },
			func(a history.Attributes) string { return a.Browser },
			func(r features.LoginRecord) string { return r.Browser }),
		changeRule("device_changed", "Device change", "device", SeverityMedium,
			func(c history.ChangeIndicators) bool { return c.DeviceChanged },
			func(a history.Attributes) string { return a.Device },
			func(r features.LoginRecord) string { return r.Device }),
		changeRule("os_changed", "Operating system change", "OS", SeverityLow,
			func(c history.ChangeIndicators) bool { return c.OSChanged },
			func(a history.Attributes) string { return a.OS },
			func(r features.LoginRecord) string { return r.OS }),
		RuleFunc[*Login]{
			ID: "is_night", Indicator: "Login at an unusual night-time hour", Severity: SeverityLow,
			Check: func(l *Login) ([]string, bool) {
				if !l.Features.IsNight {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Login hour: %02d:00", l.Features.Hour),
					"Risk window: 22:00 - 06:00",
				}, true
			},
		},
		RuleFunc[*Login]{
			ID: "is_attack_ip", Indicator: "IP on the attack blocklist", Severity: SeverityCritical,
			Check: func(l *Login) ([]string, bool) {
				if l.Record.IsAttackIP != 1 {
					return nil, false
				}
				return []string{
					"Reported IP: " + orUnknown(l.Record.IPAddress),
					"This IP has been seen in previous attacks",
				}, true
			},
		},
		RuleFunc[*Login]{
			ID: "is_rapid_login", Indicator: "Login very soon after the previous one", Severity: SeverityMedium,
			Check: func(l *Login) ([]string, bool) {
				if !l.Features.IsRapidLogin {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Time since last login: %.1f hours", l.Features.Changes.HoursSinceLast),
					fmt.Sprintf("Alert threshold: < %g hours (%.0f minutes)", l.Options.RapidLogin.Hours(), l.Options.RapidLogin.Minutes()),
				}, true
			},
		},
		RuleFunc[*Login]{
			ID: "is_long_gap", Indicator: "Login after a long period of inactivity", Severity: SeverityLow,
			Check: func(l *Login) ([]string, bool) {
				if !l.Features.IsLongGap {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Time since last login: %.1f hours", l.Features.Changes.HoursSinceLast),
					fmt.Sprintf("Alert threshold: > %g hours", l.Options.LongGap.Hours()),
				}, true
			},
		},
		RuleFunc[*Login]{
			ID: "is_abnormal_rtt", Indicator: "Abnormal network round-trip time", Severity: SeverityLow,
			Check: func(l *Login) ([]string, bool) {
				if !l.Features.IsAbnormalRTT {
					return nil, false
				}
				return []string{
					fmt.Sprintf("Current RTT: %.1f ms", l.Record.RTT),
					fmt.Sprintf("Expected mean RTT: ~%.0f ms", l.Features.RTTMean),
				}, true
			},
		},
	},
	Summaries: Summaries{
		Threat: func(t Tally) string {
			return fmt.Sprintf("Login classified as account takeover with %.1f%% confidence based on behavior patterns.", t.ConfidencePct)
		},
		ThreatIndicators: func(t Tally) string {
			return fmt.Sprintf("High-risk login: %s detected (%d critical or high).",
				countNoun(t.Total, "indicator", "indicators"), t.Critical+t.High)
		},
		Benign: func(t Tally) string {
			return fmt.Sprintf("Normal login with %.1f%% confidence. No anomalies detected.", t.ConfidencePct)
		},
		BenignIndicators: func(t Tally) string {
			return fmt.Sprintf("Login classified as normal with %.1f%% confidence, although %s %s detected.",
				t.ConfidencePct, countNoun(t.Total, "unusual pattern", "unusual patterns"), plural(t.Total, "was", "were"))
		},
	},
}

// ExplainLogin runs the account-takeover catalog. Before/after evidence uses
// the snapshot the observation replaced.
func ExplainLogin(in Login, threat bool, confidence float64) LoginExplanation {
	if in.Options.RapidLogin <= 0 || in.Options.LongGap <= 0 {
		in.Options = features.DefaultLoginOptions()
	}
	exp, fired := loginCatalog.Explain(&in, threat, confidence)

	risk := make(map[string]float64, len(fired))
	for _, f := range fired {
		risk[f.Rule] = loginRiskWeights[f.Rule]
	}

	lf := in.Features
	c := lf.Changes
	return LoginExplanation{
		Explanation: exp,
		RiskFactors: risk,
		KeyFeatures: map[string]bool{
			"country_changed": c.CountryChanged,
			"ip_changed":      c.IPChanged,
			"browser_changed": c.BrowserChanged,
			"device_changed":  c.DeviceChanged,
			"os_changed":      c.OSChanged,
			"is_night":        lf.IsNight,
			"is_weekend":      lf.IsWeekend,
			"is_attack_ip":    in.Record.IsAttackIP == 1,
			"is_rapid_login":  lf.IsRapidLogin,
			"is_long_gap":     lf.IsLongGap,
			"is_abnormal_rtt": lf.IsAbnormalRTT,
		},
		GeoInfo: GeoInfo{
			Country: orNA(in.Record.Country),
			Region:  orNA(in.Record.Region),
			City:    orNA(in.Record.City),
			ASN:     in.Record.ASN,
		},
	}
}
