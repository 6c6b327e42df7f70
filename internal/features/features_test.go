package features

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatwatch/threatwatch/internal/history"
)

func testVectorizer(t *testing.T) *Vectorizer {
	t.Helper()
	v, err := newVectorizer(vectorizerFile{
		Vocabulary: map[string]int{"verify": 0, "click": 1, "meeting": 2, "click here": 3},
		IDF:        []float64{2.0, 1.5, 1.0, 3.0},
		NgramRange: [2]int{1, 2},
		StopWords:  []string{"here", "the"},
		Norm:       "l2",
	})
	require.NoError(t, err)
	return v
}

func testEncoders() *Encoders {
	return NewEncoders(map[string][]string{
		SenderDomainColumn: {"gmail.com", "co.com", "enron.com"},
		BrowserColumn:      {"Chrome", "Firefox"},
		OSColumn:           {"Linux", "Windows"},
		DeviceColumn:       {"desktop", "mobile"},
		CountryColumn:      {"BR", "DE", "US"},
		RegionColumn:       {"Bavaria", "California"},
		CityColumn:         {"Munich", "San Jose"},
	}, map[string]float64{"rtt_mean": 650, "rtt_std": 150})
}

// ─── Encoders ───────────────────────────────────────────────────────────────

func TestEncoders_EncodeKnownAndUnseen(t *testing.T) {
	enc := testEncoders()

	assert.Equal(t, 1.0, enc.Encode(SenderDomainColumn, "co.com"))
	assert.Equal(t, UnseenCode, enc.Encode(SenderDomainColumn, "never-seen.io"))
	assert.Equal(t, UnseenCode, enc.Encode("no_such_column", "x"))
	assert.Equal(t, 3, enc.Classes(CountryColumn))
}

func TestEncoders_Require(t *testing.T) {
	enc := NewEncoders(map[string][]string{"browser": {"Chrome"}}, nil)

	assert.NoError(t, enc.Require("browser"))
	err := enc.Require("browser", "os")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func TestLoadEncoders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoders.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"columns":{"country":["BR","US"]},"stats":{"rtt_mean":600}}`), 0644))

	enc, err := LoadEncoders(path)
	require.NoError(t, err)
	assert.Equal(t, 1.0, enc.Encode("country", "US"))
	assert.Equal(t, 600.0, enc.Stat("rtt_mean", 0))
	assert.Equal(t, 42.0, enc.Stat("missing", 42))
}

// ─── Vectorizer ─────────────────────────────────────────────────────────────

func TestVectorizer_TokensAndNgrams(t *testing.T) {
	v := testVectorizer(t)

	toks := v.tokens("Click HERE to verify, a b the meeting_2")
	assert.Equal(t, []string{"click", "to", "verify", "meeting_2"}, toks)

	grams := v.ngrams([]string{"a1", "b2", "c3"})
	assert.Equal(t, []string{"a1", "b2", "c3", "a1 b2", "b2 c3"}, grams)
}

func TestVectorizer_StripsAccents(t *testing.T) {
	v, err := newVectorizer(vectorizerFile{
		Vocabulary:   map[string]int{"verificacion": 0},
		IDF:          []float64{1},
		NgramRange:   [2]int{1, 1},
		StripAccents: "unicode",
	})
	require.NoError(t, err)

	row := v.Transform("VERIFICACIÓN urgente")
	assert.InDelta(t, 1.0, row[0], 1e-12)
}

func TestVectorizer_TransformL2(t *testing.T) {
	v := testVectorizer(t)

	row := v.Transform("verify verify click")
	// raw tf-idf: verify 2*2.0=4, click 1*1.5=1.5 → norm sqrt(16+2.25)
	n := 4.272001872658765
	assert.InDelta(t, 4.0/n, row[0], 1e-9)
	assert.InDelta(t, 1.5/n, row[1], 1e-9)
	assert.Equal(t, 0.0, row[2])

	empty := v.Transform("")
	assert.Len(t, empty, 4)
	for _, x := range empty {
		assert.Equal(t, 0.0, x)
	}
}

func TestNewVectorizer_RejectsMismatchedIDF(t *testing.T) {
	_, err := newVectorizer(vectorizerFile{Vocabulary: map[string]int{"a": 0, "b": 1}, IDF: []float64{1}})
	assert.Error(t, err)
}

// ─── Email ──────────────────────────────────────────────────────────────────

func TestSenderDomain(t *testing.T) {
	assert.Equal(t, "co.com", SenderDomain("Boss@CO.com"))
	assert.Equal(t, "unknown", SenderDomain("no-at-sign"))
	assert.Equal(t, "b", SenderDomain("a@b@c"))
}

func TestSentiment(t *testing.T) {
	assert.Equal(t, 0.5, Sentiment("   "))
	assert.Equal(t, 0.3, Sentiment("URGENT: verify your account"))
	assert.Equal(t, 0.8, Sentiment("Meeting schedule for the project"))
	assert.Equal(t, 0.5, Sentiment("hello there"))
}

func TestFindURLs(t *testing.T) {
	urls := FindURLs("go to http://phish.example/verify and https://a.b/c?d=1 now")
	assert.Equal(t, []string{"http://phish.example/verify", "https://a.b/c?d=1"}, urls)
	assert.Empty(t, FindURLs("no links here"))
}

func TestEmailMaterializer_Width(t *testing.T) {
	m, err := NewEmailMaterializer(testEncoders(), testVectorizer(t))
	require.NoError(t, err)

	records := []EmailRecord{
		{Sender: "boss@co.com", Subject: "Meeting tomorrow", Body: "10am room 305"},
		{Sender: "urgent@suspicious.com", Subject: "URGENT: Verify NOW", Body: "click here http://phish.example/verify", URLs: 1},
		{Sender: "x", Subject: "", Body: ""},
	}
	for _, rec := range records {
		f := m.Materialize(rec)
		assert.Len(t, f.Vector, m.Width())
		assert.Len(t, f.Vector, len(EmailNumericColumns)+4)
	}
}

func TestEmailMaterializer_Values(t *testing.T) {
	m, err := NewEmailMaterializer(testEncoders(), testVectorizer(t))
	require.NoError(t, err)

	f := m.Materialize(EmailRecord{
		Sender:  "urgent@suspicious.com",
		Subject: "URGENT: Free prize!",
		Body:    "Click here: http://phish.example/verify",
		URLs:    1,
	})

	assert.Equal(t, 19, f.SubjectLength)
	assert.Equal(t, 3, f.SubjectWords)
	assert.Equal(t, 2, f.SubjectSpecial) // ':' '!'
	assert.Equal(t, 1, f.URLCount)
	assert.Equal(t, "suspicious.com", f.SenderDomain)
	assert.Equal(t, UnseenCode, f.SenderDomainCode)
	assert.True(t, f.HasUrgent)
	assert.True(t, f.HasFree)
	assert.True(t, f.HasClick)
	assert.Equal(t, 0.3, f.SubjectSentiment)

	assert.Equal(t, 1.0, f.Vector[7], "urls flag passes through")
	assert.Equal(t, UnseenCode, f.Vector[8])
	assert.InDelta(t, 19.0/float64(f.BodyLength+1), f.Vector[11], 1e-12)
}

func TestNewEmailMaterializer_RequiresDomainEncoder(t *testing.T) {
	_, err := NewEmailMaterializer(NewEncoders(nil, nil), testVectorizer(t))
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

// ─── Login ──────────────────────────────────────────────────────────────────

func testLogin() LoginRecord {
	return LoginRecord{
		UserID: "u-1", IPAddress: "10.0.0.1", Country: "US", Region: "California", City: "San Jose",
		Browser: "Chrome", OS: "Windows", Device: "desktop", LoginSuccessful: 1, ASN: 15169, RTT: 650,
	}
}

func TestParseLoginTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := ParseLoginTime("", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))

	got, err = ParseLoginTime("2026-03-02T23:15:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 23, got.Hour())

	got, err = ParseLoginTime("2026-03-02T23:15:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())

	got, err = ParseLoginTime("2026-03-02 08:00:00.123", now)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Hour())

	_, err = ParseLoginTime("yesterday", now)
	assert.Error(t, err)
}

func TestLoginMaterializer_FirstObservation(t *testing.T) {
	m, err := NewLoginMaterializer(testEncoders(), DefaultLoginOptions())
	require.NoError(t, err)

	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC) // Saturday night
	changes := history.Compare(nil, LoginAttributes(testLogin()), at)
	f := m.Materialize(testLogin(), at, changes)

	require.Len(t, f.Vector, len(LoginColumns))
	require.Len(t, LoginColumns, 35)

	col := func(name string) float64 {
		for i, c := range LoginColumns {
			if c == name {
				return f.Vector[i]
			}
		}
		t.Fatalf("unknown column %s", name)
		return 0
	}

	for _, name := range []string{"ip_changed", "country_changed", "browser_changed", "device_changed", "os_changed", "is_rapid_login", "is_long_gap"} {
		assert.Equal(t, 0.0, col(name), name)
	}
	assert.Equal(t, history.FirstObservationSentinel, col("time_since_last_login_hours"))
	assert.Equal(t, 5.0, col("day_of_week"))
	assert.Equal(t, 1.0, col("is_weekend"))
	assert.Equal(t, 1.0, col("is_night"))
	assert.Equal(t, 0.0, col("is_business_hours"))
	assert.Equal(t, 0.0, col("rtt_zscore"))
	assert.Equal(t, 2.0, col("country_encoded"))
}

func TestLoginMaterializer_RapidAndLongGap(t *testing.T) {
	m, err := NewLoginMaterializer(testEncoders(), DefaultLoginOptions())
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	prev := &history.Snapshot{Attributes: LoginAttributes(testLogin()), ObservedAt: at}

	moved := testLogin()
	moved.Country = "DE"
	rapid := m.Materialize(moved, at.Add(5*time.Minute), history.Compare(prev, LoginAttributes(moved), at.Add(5*time.Minute)))
	assert.True(t, rapid.IsRapidLogin)
	assert.False(t, rapid.IsLongGap)
	assert.True(t, rapid.Changes.CountryChanged)

	late := m.Materialize(testLogin(), at.Add(48*time.Hour), history.Compare(prev, LoginAttributes(testLogin()), at.Add(48*time.Hour)))
	assert.False(t, late.IsRapidLogin)
	assert.True(t, late.IsLongGap)
}

func TestLoginMaterializer_AbnormalRTTAndUnseen(t *testing.T) {
	m, err := NewLoginMaterializer(testEncoders(), LoginOptions{})
	require.NoError(t, err)

	rec := testLogin()
	rec.RTT = 1200
	rec.City = "Atlantis"
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := m.Materialize(rec, at, history.Compare(nil, LoginAttributes(rec), at))

	assert.True(t, f.IsAbnormalRTT)
	assert.InDelta(t, 550.0/150.0, f.RTTZScore, 1e-12)
	assert.Equal(t, UnseenCode, f.Vector[len(f.Vector)-1])
}

// ─── Flow ───────────────────────────────────────────────────────────────────

func TestFlowVector(t *testing.T) {
	assert.Len(t, FlowFields, 60)

	v := FlowVector(FlowRecord{"dst_port": 0.0003, "bwd_pkts_s": 0.95, "idle_std": 0.1})
	require.Len(t, v, len(FlowFields))
	assert.Equal(t, 0.0003, v[0])
	assert.Equal(t, 0.95, v[31])
	assert.Equal(t, 0.1, v[59])
	assert.Equal(t, 0.0, v[1])
}
