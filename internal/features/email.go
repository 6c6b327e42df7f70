package features

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// SenderDomainColumn is the encoder column for sender domains.
const SenderDomainColumn = "sender_domain"

// EmailNumericColumns are the hand-built email features, in training order.
// The TF-IDF columns follow them.
var EmailNumericColumns = []string{
	"subject_length", "subject_words", "subject_special",
	"body_length", "body_words", "body_special",
	"url_count", "urls", "sender_domain_encoded",
	"subject_sentiment", "body_sentiment",
	"subject_body_ratio", "special_chars_ratio",
	"has_urgent", "has_free", "has_click",
}

var (
	urlPattern     = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\\(\\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
	urgentPattern  = regexp.MustCompile(`(?i)urgent|urgente`)
	freePattern    = regexp.MustCompile(`(?i)free|gratis`)
	clickPattern   = regexp.MustCompile(`(?i)click here|haz clic`)
)

var (
	phishingKeywords = []string{
		"urgent", "free", "click", "limited", "offer", "prize", "winner",
		"congratulations", "verify", "suspend", "account", "expired",
		"password", "reset", "confirm", "update", "act now", "claim",
		"viagra", "pills", "rolex", "replica", "enlargement",
	}
	legitimateKeywords = []string{
		"meeting", "schedule", "project", "team", "report", "update",
		"information", "attached", "regards", "sincerely", "python",
		"development", "code", "bug", "patch", "commit",
	}
)

// EmailFeatures is the materialized email plus the intermediate values the
// evidence rules reuse.
type EmailFeatures struct {
	SubjectLength    int
	SubjectWords     int
	SubjectSpecial   int
	BodyLength       int
	BodyWords        int
	BodySpecial      int
	URLCount         int
	SenderDomain     string
	SenderDomainCode float64
	SubjectSentiment float64
	BodySentiment    float64
	HasUrgent        bool
	HasFree          bool
	HasClick         bool
	Vector           []float64
}

// EmailMaterializer holds the frozen artifacts for email features.
type EmailMaterializer struct {
	encoders   *Encoders
	vectorizer *Vectorizer
}

// NewEmailMaterializer checks that the sender domain encoder is present.
func NewEmailMaterializer(enc *Encoders, vec *Vectorizer) (*EmailMaterializer, error) {
	if err := enc.Require(SenderDomainColumn); err != nil {
		return nil, err
	}
	return &EmailMaterializer{encoders: enc, vectorizer: vec}, nil
}

// Width is the length of every vector this materializer produces.
func (m *EmailMaterializer) Width() int {
	return len(EmailNumericColumns) + m.vectorizer.Size()
}

// Materialize builds the feature vector for one email.
func (m *EmailMaterializer) Materialize(rec EmailRecord) EmailFeatures {
	f := EmailFeatures{
		SubjectLength:  utf8.RuneCountInString(rec.Subject),
		SubjectWords:   len(strings.Fields(rec.Subject)),
		SubjectSpecial: len(specialPattern.FindAllStringIndex(rec.Subject, -1)),
		BodyLength:     utf8.RuneCountInString(rec.Body),
		BodyWords:      len(strings.Fields(rec.Body)),
		BodySpecial:    len(specialPattern.FindAllStringIndex(rec.Body, -1)),
		URLCount:       len(FindURLs(rec.Body)),
		SenderDomain:   SenderDomain(rec.Sender),
		HasUrgent:      urgentPattern.MatchString(rec.Subject),
		HasFree:        freePattern.MatchString(rec.Subject),
		HasClick:       clickPattern.MatchString(rec.Body),
	}
	f.SenderDomainCode = m.encoders.Encode(SenderDomainColumn, f.SenderDomain)
	f.SubjectSentiment = Sentiment(rec.Subject)
	f.BodySentiment = Sentiment(rec.Body)

	subjectBodyRatio := float64(f.SubjectLength) / float64(f.BodyLength+1)
	specialRatio := float64(f.SubjectSpecial+f.BodySpecial) / float64(f.SubjectLength+f.BodyLength+1)

	vec := make([]float64, 0, m.Width())
	vec = append(vec,
		float64(f.SubjectLength), float64(f.SubjectWords), float64(f.SubjectSpecial),
		float64(f.BodyLength), float64(f.BodyWords), float64(f.BodySpecial),
		float64(f.URLCount), float64(rec.URLs), f.SenderDomainCode,
		f.SubjectSentiment, f.BodySentiment,
		subjectBodyRatio, specialRatio,
		boolFloat(f.HasUrgent), boolFloat(f.HasFree), boolFloat(f.HasClick),
	)
	vec = append(vec, m.vectorizer.Transform(rec.Subject+" "+rec.Body)...)
	f.Vector = vec
	return f
}

// FindURLs returns every URL in text, in order of appearance.
func FindURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// SenderDomain returns the lowercased part after '@', or "unknown".
func SenderDomain(sender string) string {
	parts := strings.Split(sender, "@")
	if len(parts) < 2 {
		return "unknown"
	}
	return strings.ToLower(parts[1])
}

// Sentiment scores text by keyword families: 0.3 when phishing keywords
// dominate, 0.8 when legitimate ones do, 0.5 otherwise or for blank text.
func Sentiment(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0.5
	}
	lower := strings.ToLower(text)
	phishing := countContained(lower, phishingKeywords)
	legit := countContained(lower, legitimateKeywords)
	switch {
	case phishing > legit:
		return 0.3
	case legit > phishing:
		return 0.8
	default:
		return 0.5
	}
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

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
