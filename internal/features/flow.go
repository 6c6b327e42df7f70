package features

// FlowFields is the training-time column order of the brute-force model.
// Every value is normalized to [0,1] upstream.
var FlowFields = []string{
	"dst_port", "protocol", "timestamp", "flow_duration", "tot_fwd_pkts",
	"tot_bwd_pkts", "totlen_fwd_pkts", "fwd_pkt_len_max", "fwd_pkt_len_min",
	"fwd_pkt_len_mean", "fwd_pkt_len_std", "bwd_pkt_len_max", "bwd_pkt_len_min",
	"bwd_pkt_len_mean", "bwd_pkt_len_std", "flow_byts_s", "flow_pkts_s",
	"flow_iat_mean", "flow_iat_std", "flow_iat_max", "fwd_iat_std",
	"bwd_iat_tot", "bwd_iat_mean", "bwd_iat_std", "bwd_iat_max", "bwd_iat_min",
	"fwd_psh_flags", "bwd_psh_flags", "fwd_urg_flags", "bwd_urg_flags",
	"fwd_pkts_s", "bwd_pkts_s", "pkt_len_min", "pkt_len_max", "pkt_len_mean",
	"pkt_len_std", "pkt_len_var", "fin_flag_cnt", "rst_flag_cnt",
	"psh_flag_cnt", "ack_flag_cnt", "urg_flag_cnt", "cwe_flag_count",
	"down_up_ratio", "fwd_byts_b_avg", "fwd_pkts_b_avg", "fwd_blk_rate_avg",
	"bwd_byts_b_avg", "bwd_pkts_b_avg", "bwd_blk_rate_avg", "init_fwd_win_byts",
	"init_bwd_win_byts", "fwd_act_data_pkts", "fwd_seg_size_min", "active_mean",
	"active_std", "active_max", "active_min", "idle_mean", "idle_std",
}

// FlowVector lays a flow out in FlowFields order.
func FlowVector(f FlowRecord) []float64 {
	out := make([]float64, len(FlowFields))
	for i, name := range FlowFields {
		out[i] = f.Get(name)
	}
	return out
}
