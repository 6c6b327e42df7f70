package features

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/threatwatch/threatwatch/internal/history"
)

// Encoder columns used by the login model.
const (
	BrowserColumn = "browser"
	OSColumn      = "os"
	DeviceColumn  = "device"
	CountryColumn = "country"
	RegionColumn  = "region"
	CityColumn    = "city"
)

// LoginCategoricalColumns are the encoded columns, in training order.
var LoginCategoricalColumns = []string{BrowserColumn, OSColumn, DeviceColumn, CountryColumn, RegionColumn, CityColumn}

// LoginColumns is the training-time column order of the login model.
var LoginColumns = []string{
	// numeric
	"rtt", "asn", "login_successful", "is_attack_ip",
	// temporal
	"hour", "day_of_week", "day_of_month", "month", "is_weekend", "is_night", "is_business_hours",
	// behavioral
	"ip_changed", "country_changed", "browser_changed", "device_changed", "os_changed",
	"time_since_last_login_hours", "is_rapid_login", "is_long_gap",
	// aggregated
	"ip_count_per_user", "country_count_per_user", "browser_count_per_user", "device_count_per_user",
	"total_logins_per_user", "success_rate_per_user", "user_count_per_ip", "is_suspicious_ip",
	"rtt_zscore", "is_abnormal_rtt",
	// categorical
	"browser_encoded", "os_encoded", "device_encoded", "country_encoded", "region_encoded", "city_encoded",
}

// LoginFeatureGroups is the per-group breakdown reported by model info.
var LoginFeatureGroups = map[string]int{
	"numeric_features":     4,
	"temporal_features":    7,
	"behavioral_features":  8,
	"aggregated_features":  10,
	"categorical_features": 6,
}

const (
	defaultRTTMean = 650.0
	defaultRTTStd  = 150.0
)

// LoginOptions are the behavioral thresholds.
type LoginOptions struct {
	RapidLogin time.Duration
	LongGap    time.Duration
}

// DefaultLoginOptions returns the thresholds the model was trained with.
func DefaultLoginOptions() LoginOptions {
	return LoginOptions{RapidLogin: 30 * time.Minute, LongGap: 24 * time.Hour}
}

// LoginFeatures is the materialized login plus the derived values the
// evidence rules reuse.
type LoginFeatures struct {
	At              time.Time
	Hour            int
	IsWeekend       bool
	IsNight         bool
	IsBusinessHours bool
	Changes         history.ChangeIndicators
	IsRapidLogin    bool
	IsLongGap       bool
	RTTZScore       float64
	RTTMean         float64
	IsAbnormalRTT   bool
	Vector          []float64
}

// LoginAttributes extracts the history-tracked attributes of a login.
func LoginAttributes(rec LoginRecord) history.Attributes {
	return history.Attributes{
		IP:      rec.IPAddress,
		Country: rec.Country,
		Browser: rec.Browser,
		OS:      rec.OS,
		Device:  rec.Device,
	}
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseLoginTime parses an RFC 3339 / ISO 8601 timestamp. Timestamps without
// an offset are read as UTC; an empty string yields now.
func ParseLoginTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid login timestamp %q", s)
}

// LoginMaterializer holds the frozen artifacts for login features.
type LoginMaterializer struct {
	encoders *Encoders
	opts     LoginOptions
	rttMean  float64
	rttStd   float64
}

// NewLoginMaterializer checks that every categorical encoder is present.
func NewLoginMaterializer(enc *Encoders, opts LoginOptions) (*LoginMaterializer, error) {
	if err := enc.Require(LoginCategoricalColumns...); err != nil {
		return nil, err
	}
	if opts.RapidLogin <= 0 || opts.LongGap <= 0 {
		def := DefaultLoginOptions()
		if opts.RapidLogin <= 0 {
			opts.RapidLogin = def.RapidLogin
		}
		if opts.LongGap <= 0 {
			opts.LongGap = def.LongGap
		}
	}
	std := enc.Stat("rtt_std", defaultRTTStd)
	if std == 0 {
		std = defaultRTTStd
	}
	return &LoginMaterializer{
		encoders: enc,
		opts:     opts,
		rttMean:  enc.Stat("rtt_mean", defaultRTTMean),
		rttStd:   std,
	}, nil
}

// Width is the length of every vector this materializer produces.
func (m *LoginMaterializer) Width() int {
	return len(LoginColumns)
}

// Materialize builds the vector for a login observed at `at`, given the
// change indicators returned by the history store.
func (m *LoginMaterializer) Materialize(rec LoginRecord, at time.Time, changes history.ChangeIndicators) LoginFeatures {
	hour := at.Hour()
	dow := (int(at.Weekday()) + 6) % 7

	f := LoginFeatures{
		At:              at,
		Hour:            hour,
		IsWeekend:       dow >= 5,
		IsNight:         hour >= 22 || hour <= 6,
		IsBusinessHours: hour >= 9 && hour <= 17,
		Changes:         changes,
	}
	if !changes.First {
		elapsed := time.Duration(changes.HoursSinceLast * float64(time.Hour))
		f.IsRapidLogin = elapsed < m.opts.RapidLogin
		f.IsLongGap = elapsed > m.opts.LongGap
	}
	f.RTTMean = m.rttMean
	f.RTTZScore = (rec.RTT - m.rttMean) / m.rttStd
	f.IsAbnormalRTT = math.Abs(f.RTTZScore) > 2

	vec := make([]float64, 0, len(LoginColumns))
	vec = append(vec,
		rec.RTT, float64(rec.ASN), float64(rec.LoginSuccessful), float64(rec.IsAttackIP),
		float64(hour), float64(dow), float64(at.Day()), float64(at.Month()),
		boolFloat(f.IsWeekend), boolFloat(f.IsNight), boolFloat(f.IsBusinessHours),
		boolFloat(changes.IPChanged), boolFloat(changes.CountryChanged), boolFloat(changes.BrowserChanged),
		boolFloat(changes.DeviceChanged), boolFloat(changes.OSChanged),
		changes.HoursSinceLast, boolFloat(f.IsRapidLogin), boolFloat(f.IsLongGap),
		1, 1, 1, 1, 1, 1.0, 1, float64(rec.IsAttackIP),
		f.RTTZScore, boolFloat(f.IsAbnormalRTT),
		m.encoders.Encode(BrowserColumn, rec.Browser),
		m.encoders.Encode(OSColumn, rec.OS),
		m.encoders.Encode(DeviceColumn, rec.Device),
		m.encoders.Encode(CountryColumn, rec.Country),
		m.encoders.Encode(RegionColumn, rec.Region),
		m.encoders.Encode(CityColumn, rec.City),
	)
	f.Vector = vec
	return f
}
