package features

import (
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Vectorizer is a frozen TF-IDF transform: the vocabulary and idf weights
// fitted offline, applied identically at serving time.
type Vectorizer struct {
	vocabulary   map[string]int
	idf          []float64
	minN, maxN   int
	stopWords    map[string]struct{}
	lowercase    bool
	stripAccents bool
	sublinearTF  bool
	l2           bool
}

type vectorizerFile struct {
	Vocabulary   map[string]int `json:"vocabulary"`
	IDF          []float64      `json:"idf"`
	NgramRange   [2]int         `json:"ngram_range"`
	StopWords    []string       `json:"stop_words"`
	Lowercase    *bool          `json:"lowercase"`
	StripAccents string         `json:"strip_accents"`
	SublinearTF  bool           `json:"sublinear_tf"`
	Norm         string         `json:"norm"`
}

// LoadVectorizer reads a vectorizer.json artifact.
func LoadVectorizer(path string) (*Vectorizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vectorizer %s: %w", path, err)
	}
	var f vectorizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing vectorizer %s: %w", path, err)
	}
	return newVectorizer(f)
}

func newVectorizer(f vectorizerFile) (*Vectorizer, error) {
	if len(f.Vocabulary) == 0 {
		return nil, fmt.Errorf("vectorizer has an empty vocabulary")
	}
	if len(f.IDF) != len(f.Vocabulary) {
		return nil, fmt.Errorf("vectorizer idf length %d does not match vocabulary size %d", len(f.IDF), len(f.Vocabulary))
	}
	for term, idx := range f.Vocabulary {
		if idx < 0 || idx >= len(f.IDF) {
			return nil, fmt.Errorf("vectorizer term %q has out-of-range index %d", term, idx)
		}
	}

	minN, maxN := f.NgramRange[0], f.NgramRange[1]
	if minN <= 0 {
		minN = 1
	}
	if maxN < minN {
		maxN = minN
	}

	stop := make(map[string]struct{}, len(f.StopWords))
	for _, w := range f.StopWords {
		stop[w] = struct{}{}
	}

	lower := true
	if f.Lowercase != nil {
		lower = *f.Lowercase
	}

	return &Vectorizer{
		vocabulary:   f.Vocabulary,
		idf:          f.IDF,
		minN:         minN,
		maxN:         maxN,
		stopWords:    stop,
		lowercase:    lower,
		stripAccents: f.StripAccents == "unicode" || f.StripAccents == "ascii",
		sublinearTF:  f.SublinearTF,
		l2:           f.Norm == "" || f.Norm == "l2",
	}, nil
}

// Size is the number of output columns.
func (v *Vectorizer) Size() int {
	return len(v.idf)
}

// Transform returns the dense TF-IDF row for a document.
func (v *Vectorizer) Transform(doc string) []float64 {
	out := make([]float64, len(v.idf))
	for _, term := range v.ngrams(v.tokens(doc)) {
		if idx, ok := v.vocabulary[term]; ok {
			out[idx]++
		}
	}

	var sq float64
	for i, tf := range out {
		if tf == 0 {
			continue
		}
		if v.sublinearTF {
			tf = 1 + math.Log(tf)
		}
		out[i] = tf * v.idf[i]
		sq += out[i] * out[i]
	}
	if v.l2 && sq > 0 {
		n := math.Sqrt(sq)
		for i := range out {
			out[i] /= n
		}
	}
	return out
}

func (v *Vectorizer) preprocess(doc string) string {
	if v.lowercase {
		doc = strings.ToLower(doc)
	}
	if v.stripAccents {
		doc = stripAccents(doc)
	}
	return doc
}

// tokens splits a document into runs of two or more word characters.
// Word characters are letters, digits and underscore in any script.
func (v *Vectorizer) tokens(doc string) []string {
	doc = v.preprocess(doc)

	var out []string
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := doc[start:end]
		start = -1
		if len([]rune(tok)) < 2 {
			return
		}
		if _, stop := v.stopWords[tok]; stop {
			return
		}
		out = append(out, tok)
	}
	for i, r := range doc {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(doc))
	return out
}

func (v *Vectorizer) ngrams(tokens []string) []string {
	if v.minN == 1 && v.maxN == 1 {
		return tokens
	}
	var out []string
	for n := v.minN; n <= v.maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], " "))
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// stripAccents decomposes s and drops combining marks. A chain holds
// internal buffers, so one is built per call.
func stripAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
