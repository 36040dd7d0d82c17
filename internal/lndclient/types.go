package lndclient

import "time"

// FeePolicy is the local routing policy of a channel.
type FeePolicy struct {
	BaseFeeMsat   int64  `json:"base_fee_msat"`
	FeeRatePpm    int64  `json:"fee_rate_ppm"`
	TimeLockDelta uint32 `json:"time_lock_delta"`
	MinHtlcMsat   uint64 `json:"min_htlc_msat"`
	MaxHtlcMsat   uint64 `json:"max_htlc_msat"`
}

// ChannelState is the complete observable state of one of our channels.
// It is mutated only through policy execution; everything else reads it.
type ChannelState struct {
	ChannelID        uint64    `json:"channel_id"`
	ChannelPoint     string    `json:"channel_point"`
	RemotePubkey     string    `json:"remote_pubkey"`
	Active           bool      `json:"active"`
	Private          bool      `json:"private"`
	CapacitySat      int64     `json:"capacity_sat"`
	LocalBalanceSat  int64     `json:"local_balance_sat"`
	RemoteBalanceSat int64     `json:"remote_balance_sat"`
	AgeDays          float64   `json:"age_days"`
	UptimeRatio      float64   `json:"uptime_ratio"`
	Policy           FeePolicy `json:"policy"`
	// LastPolicyChangeAt is filled from the decision history store,
	// not from the node.
	LastPolicyChangeAt time.Time `json:"last_policy_change_at,omitempty"`
}

// LocalRatio returns local_balance/capacity, 0 when capacity is unknown.
func (c ChannelState) LocalRatio() float64 {
	if c.CapacitySat <= 0 {
		return 0
	}
	return float64(c.LocalBalanceSat) / float64(c.CapacitySat)
}

// ForwardingStats summarizes forwarding over a trailing window.
type ForwardingStats struct {
	WindowDays    int       `json:"window_days"`
	ForwardCount  int64     `json:"forward_count"`
	VolumeSat     int64     `json:"volume_sat"`
	FeeSat        int64     `json:"fee_sat"`
	LastForwardAt time.Time `json:"last_forward_at,omitempty"`
	// SuccessRate is nil when no HTLC outcome data is available for
	// the window.
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

// NodeInfo is the local node's sync and identity summary.
type NodeInfo struct {
	Pubkey        string `json:"pubkey"`
	Alias         string `json:"alias"`
	SyncedToChain bool   `json:"synced_to_chain"`
	SyncedToGraph bool   `json:"synced_to_graph"`
	BlockHeight   int64  `json:"block_height"`
	Version       string `json:"version"`
	NumChannels   int    `json:"num_channels"`
}

// PeerInfo is the graph view of a counterpart node.
type PeerInfo struct {
	Pubkey           string    `json:"pubkey"`
	Alias            string    `json:"alias"`
	NumChannels      int       `json:"num_channels"`
	TotalCapacitySat int64     `json:"total_capacity_sat"`
	LastUpdate       time.Time `json:"last_update,omitempty"`
}

// RebalanceResult reports a completed circular rebalance payment.
type RebalanceResult struct {
	AmountSat   int64  `json:"amount_sat"`
	FeePaidSat  int64  `json:"fee_paid_sat"`
	PaymentHash string `json:"payment_hash"`
}
