package evidence

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/threatwatch/threatwatch/internal/features"
)

var (
	textURLPattern   = regexp.MustCompile(`(?i)https?://[^\s<>"]+|www\.[^\s<>"]+`)
	uppercasePattern = regexp.MustCompile(`\b[A-Z]{3,}\b`)
)

var (
	urgencyWords = []string{
		"urgent", "urgente", "immediately", "inmediatamente", "asap", "right now",
		"ahora mismo", "expire", "expira", "limited time", "tiempo limitado",
		"act now", "actua ahora", "hurry", "rapido", "24 hours", "24 horas",
	}
	ctaPhrases = []string{
		"click here", "haz clic", "click below", "click the link", "click to",
		"log in now", "sign in now", "inicia sesion", "verify now", "verifica ahora",
	}
	credentialWords = []string{
		"password", "contrasena", "login", "credential", "credenciales",
		"username", "usuario", "pin", "ssn", "social security", "cvv", "credit card",
	}
	financialWords = []string{
		"bank", "banco", "account", "cuenta", "payment", "pago", "invoice",
		"factura", "transaction", "transaccion", "transfer", "wire", "credit card",
		"tarjeta de credito", "dinero", "money",
	}
	threatWords = []string{
		"suspend", "suspender", "terminate", "terminar", "close", "cerrar",
		"locked", "bloqueado", "blocked", "unauthorized", "no autorizado",
		"unusual activity", "actividad inusual", "will be deleted", "sera eliminado",
	}
	brandNames = []string{
		"paypal", "amazon", "apple", "microsoft", "netflix", "facebook",
		"google", "linkedin", "ebay", "wells fargo", "chase", "bank of america",
	}
	suspiciousTermKeywords = []string{
		"urgent", "verify", "account", "suspended", "click here",
		"confirm", "password", "expire", "immediately", "limited time",
		"winner", "free", "prize", "congratulations", "selected",
	}

	// metric analysis lists
	metricSuspiciousKeywords = []string{
		"verify", "account", "suspended", "click here", "confirm",
		"password", "winner", "free", "prize", "congratulations",
		"selected", "claim", "reward", "limited offer",
	}
	metricBrandNames = []string{
		"paypal", "amazon", "apple", "microsoft", "netflix", "facebook", "google", "linkedin", "ebay",
	}
	suspiciousSenderPatterns = []string{
		"noreply", "no-reply", "support", "security", "alert", "verify", "update", "admin",
	}
	acronyms       = map[string]bool{"URL": true, "HTML": true, "HTTP": true, "HTTPS": true, "WWW": true, "CEO": true, "USA": true, "UK": true}
	metricAcronyms = map[string]bool{"URL": true, "HTML": true, "HTTP": true, "HTTPS": true, "WWW": true, "CEO": true, "USA": true, "UK": true, "PDF": true, "FAQ": true}
)

const (
	maxKeywordEvidence = 3
	maxURLEvidence     = 3
	maxUppercase       = 5
	maxSuspiciousTerms = 10
	snippetBefore      = 15
	snippetAfter       = 40
)

// Email is the phishing rule input.
type Email struct {
	Record   features.EmailRecord
	Features features.EmailFeatures
}

// emailScan holds the normalized text every phishing rule reads.
type emailScan struct {
	sender       string
	senderLower  string
	senderDomain string
	text         string
	textLower    string
	hasURLFlag   bool
	urls         []string
	brands       []string
}

func scanEmail(in Email) *emailScan {
	rec := in.Record
	s := &emailScan{
		sender:      rec.Sender,
		senderLower: strings.ToLower(rec.Sender),
		text:        rec.Subject + " " + rec.Body,
		hasURLFlag:  rec.URLs == 1,
	}
	s.textLower = strings.ToLower(s.text)
	if i := strings.LastIndexByte(s.senderLower, '@'); i >= 0 {
		s.senderDomain = s.senderLower[i+1:]
	}
	s.urls = textURLPattern.FindAllString(s.text, -1)
	for _, b := range brandNames {
		if strings.Contains(s.textLower, b) || strings.Contains(s.senderLower, b) {
			s.brands = append(s.brands, b)
		}
	}
	return s
}

// snippet returns the match of pattern with some surrounding context, marked
// with ellipses where the text was cut.
func (s *emailScan) snippet(pattern string) (string, bool) {
	idx := strings.Index(s.textLower, pattern)
	if idx < 0 {
		return "", false
	}
	src := s.text
	if len(src) != len(s.textLower) {
		src = s.textLower
	}
	start := max(0, idx-snippetBefore)
	end := min(len(src), idx+len(pattern)+snippetAfter)
	for start > 0 && !utf8.RuneStart(src[start]) {
		start--
	}
	for end < len(src) && !utf8.RuneStart(src[end]) {
		end++
	}
	out := strings.TrimSpace(src[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(src) {
		out += "..."
	}
	return out, true
}

func (s *emailScan) keywordEvidence(patterns []string) ([]string, bool) {
	var ev []string
	for _, p := range patterns {
		if sn, ok := s.snippet(p); ok {
			ev = append(ev, sn)
			if len(ev) == maxKeywordEvidence {
				break
			}
		}
	}
	return ev, len(ev) > 0
}

func keywordRule(id, indicator string, sev Severity, words []string) Rule[*emailScan] {
	return RuleFunc[*emailScan]{
		ID: id, Indicator: indicator, Severity: sev,
		Check: func(s *emailScan) ([]string, bool) { return s.keywordEvidence(words) },
	}
}

func uppercaseWords(text string, skip map[string]bool) []string {
	var out []string
	for _, w := range uppercasePattern.FindAllString(text, -1) {
		if !skip[w] {
			out = append(out, w)
		}
	}
	return out
}

func firstN(ss []string, n int) []string {
	if len(ss) > n {
		return ss[:n]
	}
	return ss
}

var brandTitle = cases.Title(language.English)

var phishingCatalog = &Catalog[*emailScan]{
	Model: "phishing",
	Rules: []Rule[*emailScan]{
		RuleFunc[*emailScan]{
			ID: "urls", Indicator: "Contains URLs/links", Severity: SeverityMedium,
			Check: func(s *emailScan) ([]string, bool) {
				if !s.hasURLFlag {
					return nil, false
				}
				if len(s.urls) > 0 {
					return firstN(s.urls, maxURLEvidence), true
				}
				return []string{"The 'urls' field indicates the email contains links"}, true
			},
		},
		RuleFunc[*emailScan]{
			ID: "urls_in_text", Indicator: "URLs detected in text", Severity: SeverityMedium,
			Check: func(s *emailScan) ([]string, bool) {
				if s.hasURLFlag || len(s.urls) == 0 {
					return nil, false
				}
				return firstN(s.urls, maxURLEvidence), true
			},
		},
		RuleFunc[*emailScan]{
			ID: "uppercase", Indicator: "Contains UPPERCASE text (urgency indicator)", Severity: SeverityLow,
			Check: func(s *emailScan) ([]string, bool) {
				var distinct []string
				seen := make(map[string]bool)
				for _, w := range uppercaseWords(s.text, acronyms) {
					if !seen[w] {
						seen[w] = true
						distinct = append(distinct, w)
					}
				}
				return firstN(distinct, maxUppercase), len(distinct) > 0
			},
		},
		keywordRule("urgency", "Contains urgency language", SeverityHigh, urgencyWords),
		keywordRule("call_to_action", "Contains a call to action (click here)", SeverityMedium, ctaPhrases),
		keywordRule("credentials", "Requests sensitive credentials", SeverityCritical, credentialWords),
		keywordRule("financial", "Contains financial/banking language", SeverityMedium, financialWords),
		RuleFunc[*emailScan]{
			ID: "brand_impersonation", Indicator: "Impersonates a well-known brand", Severity: SeverityHigh,
			Check: func(s *emailScan) ([]string, bool) {
				if len(s.brands) == 0 {
					return nil, false
				}
				var ev []string
				for _, b := range firstN(s.brands, 3) {
					ev = append(ev, "Brand mentioned: "+brandTitle.String(b))
				}
				for _, b := range s.brands {
					if strings.Contains(s.senderLower, b) {
						ev = append(ev, "Suspicious sender: "+s.sender)
						break
					}
				}
				return ev, true
			},
		},
		keywordRule("threat_language", "Contains threats or warnings", SeverityHigh, threatWords),
		RuleFunc[*emailScan]{
			ID: "sender_domain_mismatch", Indicator: "Sender domain does not match the brand", Severity: SeverityCritical,
			Check: func(s *emailScan) ([]string, bool) {
				for _, b := range s.brands {
					if strings.Contains(s.textLower, b) && !strings.Contains(s.senderDomain, b) {
						return []string{fmt.Sprintf("Mentions '%s' but the sender is '%s'", brandTitle.String(b), s.sender)}, true
					}
				}
				return nil, false
			},
		},
	},
	Summaries: Summaries{
		Threat: func(t Tally) string {
			return fmt.Sprintf("This email was classified as phishing with %.1f%% confidence based on text patterns.", t.ConfidencePct)
		},
		ThreatIndicators: func(t Tally) string {
			return fmt.Sprintf("This email shows %s of phishing (%d critical or high) with %.1f%% confidence.",
				countNoun(t.Total, "indicator", "indicators"), t.Critical+t.High, t.ConfidencePct)
		},
		Benign: func(t Tally) string {
			return fmt.Sprintf("This email was classified as legitimate with %.1f%% confidence. No phishing indicators were detected.", t.ConfidencePct)
		},
		BenignIndicators: func(t Tally) string {
			return fmt.Sprintf("This email was classified as legitimate with %.1f%% confidence, although %s %s detected.",
				t.ConfidencePct, countNoun(t.Total, "suspicious pattern", "suspicious patterns"), plural(t.Total, "was", "were"))
		},
	},
}

// PhishingExplanation adds the keyword hits and metric comparisons.
type PhishingExplanation struct {
	Explanation
	SuspiciousTerms []string         `json:"suspicious_terms"`
	MetricsAnalysis []MetricAnalysis `json:"metrics_analysis"`
}

// NormalRange is the expected range of a metric for legitimate mail.
type NormalRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MetricAnalysis compares one email metric against its normal range.
type MetricAnalysis struct {
	MetricName       string      `json:"metric_name"`
	MetricKey        string      `json:"metric_key"`
	NormalRange      NormalRange `json:"normal_range"`
	CurrentValue     float64     `json:"current_value"`
	IsAnomalous      bool        `json:"is_anomalous"`
	AnomalyDirection string      `json:"anomaly_direction,omitempty"`
	Interpretation   string      `json:"interpretation"`
}

// ExplainEmail runs the phishing catalog.
func ExplainEmail(in Email, threat bool, confidence float64) PhishingExplanation {
	s := scanEmail(in)
	exp, _ := phishingCatalog.Explain(s, threat, confidence)
	return PhishingExplanation{
		Explanation:     exp,
		SuspiciousTerms: suspiciousTerms(s),
		MetricsAnalysis: metricsAnalysis(s),
	}
}

func suspiciousTerms(s *emailScan) []string {
	terms := []string{}
	for _, k := range suspiciousTermKeywords {
		if strings.Contains(s.textLower, k) {
			terms = append(terms, k)
		}
	}
	return firstN(terms, maxSuspiciousTerms)
}

func countContained(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func metric(name, key string, lo, hi, value float64, anomalous bool, bad, good string) MetricAnalysis {
	m := MetricAnalysis{
		MetricName:     name,
		MetricKey:      key,
		NormalRange:    NormalRange{Min: lo, Max: hi},
		CurrentValue:   value,
		IsAnomalous:    anomalous,
		Interpretation: good,
	}
	if anomalous {
		m.AnomalyDirection = "high"
		m.Interpretation = bad
	}
	return m
}

func metricsAnalysis(s *emailScan) []MetricAnalysis {
	urlCount := len(s.urls)
	if s.hasURLFlag && urlCount == 0 {
		urlCount = 1
	}
	urgent := countContained(s.textLower, urgencyWords)
	suspicious := countContained(s.textLower, metricSuspiciousKeywords)
	upper := len(uppercaseWords(s.text, metricAcronyms))

	senderSuspicious := false
	for _, p := range suspiciousSenderPatterns {
		if strings.Contains(s.senderLower, p) {
			senderSuspicious = true
			break
		}
	}
	brandMismatch := false
	for _, b := range metricBrandNames {
		if strings.Contains(s.textLower, b) && !strings.Contains(s.senderDomain, b) {
			brandMismatch = true
			break
		}
	}
	domainSuspicious := senderSuspicious || brandMismatch

	return []MetricAnalysis{
		metric("URL count", "url_count", 0, 2, float64(urlCount), urlCount > 5,
			"Too many URLs may indicate a malicious redirection attempt",
			"URL count within the normal range for legitimate mail"),
		metric("Urgency words", "urgent_words", 0, 0, float64(urgent), urgent > 0,
			"Psychological pressure detected, a primary phishing tactic",
			"No urgency language, normal communication"),
		metric("Suspicious terms", "suspicious_terms", 0, 1, float64(suspicious), suspicious > 3,
			"Heavy use of typical phishing vocabulary",
			"Terminology within the normal range"),
		metric("UPPERCASE words", "uppercase_count", 0, 2, float64(upper), upper > 3,
			"Excessive capitalization used to create urgency",
			"Normal use of capitalization"),
		metric("Sender domain", "sender_domain", 0, 0, boolValue(domainSuspicious), domainSuspicious,
			"Suspicious domain or mismatch with the brand mentioned: "+s.sender,
			"Sender domain appears legitimate"),
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
