package features

// EmailRecord is a raw email submitted for phishing scoring.
type EmailRecord struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	URLs    int    `json:"urls"`
}

// LoginRecord is a raw login event submitted for account-takeover scoring.
type LoginRecord struct {
	UserID          string  `json:"user_id"`
	IPAddress       string  `json:"ip_address"`
	Country         string  `json:"country"`
	Region          string  `json:"region"`
	City            string  `json:"city"`
	Browser         string  `json:"browser"`
	OS              string  `json:"os"`
	Device          string  `json:"device"`
	LoginSuccessful int     `json:"login_successful"`
	IsAttackIP      int     `json:"is_attack_ip"`
	ASN             int64   `json:"asn"`
	RTT             float64 `json:"rtt"`
	LoginTimestamp  string  `json:"login_timestamp,omitempty"`
}

// FlowRecord is one normalized network flow. Keys are the FlowFields names.
type FlowRecord map[string]float64

// Get returns the value of a flow field, or 0 when absent.
func (f FlowRecord) Get(field string) float64 {
	return f[field]
}
