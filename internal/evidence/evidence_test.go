package evidence

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatwatch/threatwatch/internal/features"
	"github.com/threatwatch/threatwatch/internal/history"
)

func indicatorNames(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Indicator
	}
	return out
}

func findItem(items []Item, indicator string) (Item, bool) {
	for _, it := range items {
		if it.Indicator == indicator {
			return it, true
		}
	}
	return Item{}, false
}

// ─── Catalog ────────────────────────────────────────────────────────────────

func TestCatalog_SummaryTemplates(t *testing.T) {
	c := &Catalog[int]{
		Rules: []Rule[int]{
			RuleFunc[int]{ID: "pos", Indicator: "positive", Severity: SeverityCritical,
				Check: func(n int) ([]string, bool) { return []string{"n>0"}, n > 0 }},
			RuleFunc[int]{ID: "big", Indicator: "big", Severity: SeverityLow,
				Check: func(n int) ([]string, bool) { return nil, n > 10 }},
		},
		Summaries: Summaries{
			Threat:           func(t Tally) string { return "T" },
			ThreatIndicators: func(t Tally) string { return fmt.Sprintf("TI %d/%d", t.Total, t.Critical) },
			Benign:           func(t Tally) string { return "B" },
			BenignIndicators: func(t Tally) string { return fmt.Sprintf("BI %d", t.Total) },
		},
	}

	cases := []struct {
		in      int
		threat  bool
		summary string
		total   int
	}{
		{0, true, "T", 0},
		{20, true, "TI 2/1", 2},
		{0, false, "B", 0},
		{5, false, "BI 1", 1},
	}
	for _, tc := range cases {
		exp, fired := c.Explain(tc.in, tc.threat, 0.9)
		assert.Equal(t, tc.summary, exp.Summary)
		assert.Equal(t, tc.total, exp.TotalIndicators)
		assert.Len(t, exp.Indicators, exp.TotalIndicators)
		assert.Len(t, fired, tc.total)
	}
}

func TestCatalog_EmptyIndicatorsIsNotNil(t *testing.T) {
	c := &Catalog[int]{Summaries: Summaries{Benign: func(Tally) string { return "" }}}
	exp, _ := c.Explain(0, false, 0.5)
	assert.NotNil(t, exp.Indicators)
	assert.Equal(t, 0, exp.TotalIndicators)
}

// ─── Phishing ───────────────────────────────────────────────────────────────

func TestExplainEmail_BenignMeeting(t *testing.T) {
	rec := features.EmailRecord{Sender: "boss@co.com", Subject: "Meeting tomorrow", Body: "10am room 305", URLs: 0}
	exp := ExplainEmail(Email{Record: rec}, false, 0.97)

	for _, name := range indicatorNames(exp.Indicators) {
		assert.NotContains(t, strings.ToLower(name), "url")
	}
	assert.Equal(t, 0, exp.TotalIndicators)
	assert.Contains(t, exp.Summary, "legitimate with 97.0% confidence")
	assert.Empty(t, exp.SuspiciousTerms)
	require.Len(t, exp.MetricsAnalysis, 5)
	for _, m := range exp.MetricsAnalysis {
		assert.False(t, m.IsAnomalous, m.MetricKey)
	}
}

func TestExplainEmail_UrgentVerify(t *testing.T) {
	rec := features.EmailRecord{
		Sender:  "urgent@suspicious.com",
		Subject: "URGENT: Verify NOW",
		Body:    "...click here... http://phish.example/verify",
		URLs:    1,
	}
	exp := ExplainEmail(Email{Record: rec}, true, 0.93)

	urls, ok := findItem(exp.Indicators, "Contains URLs/links")
	require.True(t, ok, indicatorNames(exp.Indicators))
	assert.Equal(t, []string{"http://phish.example/verify"}, urls.Evidence)

	urgency, ok := findItem(exp.Indicators, "Contains urgency language")
	require.True(t, ok)
	assert.Equal(t, SeverityHigh, urgency.Severity)

	upper, ok := findItem(exp.Indicators, "Contains UPPERCASE text (urgency indicator)")
	require.True(t, ok)
	assert.Equal(t, []string{"URGENT", "NOW"}, upper.Evidence)

	_, ok = findItem(exp.Indicators, "Contains a call to action (click here)")
	assert.True(t, ok)

	assert.GreaterOrEqual(t, exp.TotalIndicators, 2)
	assert.Len(t, exp.Indicators, exp.TotalIndicators)
	assert.Contains(t, exp.SuspiciousTerms, "urgent")
	assert.Contains(t, exp.SuspiciousTerms, "click here")
}

func TestExplainEmail_URLFlagWithoutLinks(t *testing.T) {
	rec := features.EmailRecord{Sender: "a@b.com", Subject: "hello", Body: "see attachment", URLs: 1}
	exp := ExplainEmail(Email{Record: rec}, false, 0.6)
	it, ok := findItem(exp.Indicators, "Contains URLs/links")
	require.True(t, ok)
	assert.Len(t, it.Evidence, 1)
	assert.Equal(t, 1.0, exp.MetricsAnalysis[0].CurrentValue)
}

func TestExplainEmail_URLsInTextWhenFlagUnset(t *testing.T) {
	rec := features.EmailRecord{Sender: "a@b.com", Subject: "docs", Body: "see www.example.org and https://x.test/a", URLs: 0}
	exp := ExplainEmail(Email{Record: rec}, false, 0.6)
	it, ok := findItem(exp.Indicators, "URLs detected in text")
	require.True(t, ok)
	assert.Equal(t, []string{"www.example.org", "https://x.test/a"}, it.Evidence)
	_, ok = findItem(exp.Indicators, "Contains URLs/links")
	assert.False(t, ok)
}

func TestExplainEmail_BrandMismatch(t *testing.T) {
	rec := features.EmailRecord{
		Sender:  "security@paypa1-support.com",
		Subject: "Your PayPal account",
		Body:    "Enter your password to avoid suspension",
	}
	exp := ExplainEmail(Email{Record: rec}, true, 0.99)

	brand, ok := findItem(exp.Indicators, "Impersonates a well-known brand")
	require.True(t, ok)
	assert.Contains(t, brand.Evidence, "Brand mentioned: Paypal")

	mismatch, ok := findItem(exp.Indicators, "Sender domain does not match the brand")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, mismatch.Severity)

	creds, ok := findItem(exp.Indicators, "Requests sensitive credentials")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, creds.Severity)

	last := exp.MetricsAnalysis[len(exp.MetricsAnalysis)-1]
	assert.Equal(t, "sender_domain", last.MetricKey)
	assert.True(t, last.IsAnomalous)
	assert.Equal(t, "high", last.AnomalyDirection)
}

func TestSnippet_Context(t *testing.T) {
	s := scanEmail(Email{Record: features.EmailRecord{
		Subject: "Notice",
		Body:    "We noticed that your account needs attention. Please click here to keep access to every service you use daily.",
	}})
	sn, ok := s.snippet("click here")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(sn, "..."))
	assert.True(t, strings.HasSuffix(sn, "..."))
	assert.Contains(t, sn, "click here")

	_, ok = s.snippet("wire transfer")
	assert.False(t, ok)
}

func TestExplainEmail_KeywordEvidenceCapped(t *testing.T) {
	rec := features.EmailRecord{Subject: "urgent", Body: "act now, hurry, immediately, asap, expire"}
	exp := ExplainEmail(Email{Record: rec}, true, 0.8)
	it, ok := findItem(exp.Indicators, "Contains urgency language")
	require.True(t, ok)
	assert.Len(t, it.Evidence, 3)
}

// ─── Account takeover ───────────────────────────────────────────────────────

func TestExplainLogin_CountryChangeRapid(t *testing.T) {
	prev := &history.Snapshot{
		Attributes: history.Attributes{IP: "10.0.0.1", Country: "US", Browser: "Chrome", OS: "Linux", Device: "desktop"},
		ObservedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	in := Login{
		Record: features.LoginRecord{UserID: "u1", IPAddress: "10.0.0.1", Country: "BR", City: "Sao Paulo", ASN: 28573, RTT: 640},
		Features: features.LoginFeatures{
			Hour:         10,
			IsRapidLogin: true,
			RTTMean:      650,
			Changes: history.ChangeIndicators{
				CountryChanged: true,
				HoursSinceLast: 5.0 / 60,
				Previous:       prev,
			},
		},
		Options: features.DefaultLoginOptions(),
	}
	exp := ExplainLogin(in, true, 0.91)

	country, ok := findItem(exp.Indicators, "Country change detected")
	require.True(t, ok)
	assert.Equal(t, []string{"Previous country: US", "Current country: BR"}, country.Evidence)
	assert.Equal(t, SeverityHigh, country.Severity)

	rapid, ok := findItem(exp.Indicators, "Login very soon after the previous one")
	require.True(t, ok)
	assert.Equal(t, "Time since last login: 0.1 hours", rapid.Evidence[0])
	assert.Equal(t, "Alert threshold: < 0.5 hours (30 minutes)", rapid.Evidence[1])

	assert.Equal(t, 2, exp.TotalIndicators)
	assert.Equal(t, map[string]float64{"country_changed": 0.35, "is_rapid_login": 0.05}, exp.RiskFactors)
	assert.True(t, exp.KeyFeatures["country_changed"])
	assert.False(t, exp.KeyFeatures["ip_changed"])
	assert.Equal(t, "N/A", exp.GeoInfo.Region)
	assert.Equal(t, "Sao Paulo", exp.GeoInfo.City)
	assert.Equal(t, "High-risk login: 2 indicators detected (1 critical or high).", exp.Summary)
}

func TestExplainLogin_FirstObservationQuiet(t *testing.T) {
	in := Login{
		Record: features.LoginRecord{UserID: "new", Country: "US", RTT: 650},
		Features: features.LoginFeatures{
			Hour:    14,
			RTTMean: 650,
			Changes: history.ChangeIndicators{First: true, HoursSinceLast: history.FirstObservationSentinel},
		},
	}
	exp := ExplainLogin(in, false, 0.99)
	assert.Equal(t, 0, exp.TotalIndicators)
	assert.Empty(t, exp.RiskFactors)
	assert.Equal(t, "Normal login with 99.0% confidence. No anomalies detected.", exp.Summary)
}

func TestExplainLogin_AttackIPAndNight(t *testing.T) {
	in := Login{
		Record:   features.LoginRecord{IPAddress: "203.0.113.9", IsAttackIP: 1, RTT: 2000},
		Features: features.LoginFeatures{Hour: 3, IsNight: true, IsAbnormalRTT: true, RTTMean: 650},
	}
	exp := ExplainLogin(in, false, 0.55)

	attack, ok := findItem(exp.Indicators, "IP on the attack blocklist")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, attack.Severity)
	assert.Equal(t, "Reported IP: 203.0.113.9", attack.Evidence[0])

	night, ok := findItem(exp.Indicators, "Login at an unusual night-time hour")
	require.True(t, ok)
	assert.Equal(t, "Login hour: 03:00", night.Evidence[0])

	rtt, ok := findItem(exp.Indicators, "Abnormal network round-trip time")
	require.True(t, ok)
	assert.Equal(t, []string{"Current RTT: 2000.0 ms", "Expected mean RTT: ~650 ms"}, rtt.Evidence)

	assert.Contains(t, exp.Summary, "although 3 unusual patterns were detected")
}

// ─── Brute force ────────────────────────────────────────────────────────────

func TestExplainFlow_CriticalBackwardRate(t *testing.T) {
	f := features.FlowRecord{"bwd_pkts_s": 0.95, "flow_duration": 0.4}
	exp := ExplainFlow(f, true, 0.97)

	it, ok := findItem(exp.Indicators, "Extremely high backward packet rate")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, it.Severity)
	assert.Contains(t, it.Evidence, fmt.Sprintf("Ratio: %.1fx above normal", 0.95/0.008))
	assert.Equal(t, "Brute force attack detected: 1 network anomaly (1 critical, 0 high).", exp.Summary)

	require.NotEmpty(t, exp.TopFeatures)
	assert.Equal(t, "bwd_pkts_s", exp.TopFeatures[0].Name)
	assert.LessOrEqual(t, len(exp.TopFeatures), 5)
}

func TestExplainFlow_MissingDurationIsNotShort(t *testing.T) {
	exp := ExplainFlow(features.FlowRecord{}, false, 0.9)
	_, ok := findItem(exp.Indicators, "Extremely short flow duration")
	assert.False(t, ok)
	assert.Equal(t, 0, exp.TotalIndicators)
	assert.Equal(t, "Benign traffic with 90.0% confidence. Normal network patterns.", exp.Summary)
}

func TestExplainFlow_PortName(t *testing.T) {
	exp := ExplainFlow(features.FlowRecord{"dst_port": 443.0 / 65535, "flow_duration": 0.5}, false, 0.7)
	it, ok := findItem(exp.Indicators, "Destination port commonly targeted by attacks")
	require.True(t, ok)
	assert.Contains(t, it.Evidence[0], "(HTTPS)")
}

func TestExplainFlow_AllRules(t *testing.T) {
	f := features.FlowRecord{
		"bwd_pkts_s": 0.9, "flow_pkts_s": 0.5, "flow_duration": 0.001, "psh_flag_cnt": 0.6,
		"fwd_pkts_s": 0.4, "dst_port": 0.0003, "tot_bwd_pkts": 0.7, "rst_flag_cnt": 0.3,
	}
	exp := ExplainFlow(f, true, 0.99)
	assert.Equal(t, 8, exp.TotalIndicators)
	assert.Len(t, exp.Indicators, 8)
	assert.Contains(t, exp.Summary, "(1 critical, 2 high)")
}
