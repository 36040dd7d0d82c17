package lndclient

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"feepilot/internal/config"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	maxGRPCMsgSize     = 32 * 1024 * 1024
	forwardingPageSize = 50000
	infoCacheTTL       = 30 * time.Second
)

// Client talks to the managed LND node. It implements the narrow
// node-control contract the executor and orchestrator depend on.
type Client struct {
	cfg    config.LNDConfig
	logger *log.Logger

	infoMu      sync.Mutex
	infoCache   NodeInfo
	infoCacheAt time.Time
}

func New(cfg config.LNDConfig, logger *log.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	tlsCert, err := os.ReadFile(c.cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
		return nil, fmt.Errorf("failed to parse LND TLS cert")
	}

	creds := credentials.NewClientTLSFromCert(certPool, "")
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	}

	macBytes, err := os.ReadFile(c.cfg.AdminMacaroonPath)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithPerRPCCredentials(macaroonCredential{hex.EncodeToString(macBytes)}))

	return grpc.DialContext(ctx, c.cfg.GRPCHost, opts...)
}

// GetInfo returns the local node summary, cached briefly so scheduler
// guards do not hammer the node.
func (c *Client) GetInfo(ctx context.Context) (NodeInfo, error) {
	now := time.Now()
	c.infoMu.Lock()
	if !c.infoCacheAt.IsZero() && now.Sub(c.infoCacheAt) < infoCacheTTL {
		info := c.infoCache
		c.infoMu.Unlock()
		return info, nil
	}
	c.infoMu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return NodeInfo{}, classifyRPCError("getinfo", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return NodeInfo{}, classifyRPCError("getinfo", err)
	}

	info := NodeInfo{
		Pubkey:        strings.TrimSpace(resp.IdentityPubkey),
		Alias:         resp.Alias,
		SyncedToChain: resp.SyncedToChain,
		SyncedToGraph: resp.SyncedToGraph,
		BlockHeight:   int64(resp.BlockHeight),
		Version:       resp.Version,
		NumChannels:   int(resp.NumActiveChannels),
	}
	c.infoMu.Lock()
	c.infoCache = info
	c.infoCacheAt = now
	c.infoMu.Unlock()
	return info, nil
}

// ListChannels returns every open channel with its local fee policy
// attached.
func (c *Client) ListChannels(ctx context.Context) ([]ChannelState, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, classifyRPCError("listchannels", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, classifyRPCError("listchannels", err)
	}

	policies := map[uint64]FeePolicy{}
	feeResp, err := client.FeeReport(ctx, &lnrpc.FeeReportRequest{})
	if err == nil && feeResp != nil {
		for _, fee := range feeResp.ChannelFees {
			if fee == nil {
				continue
			}
			policies[fee.ChanId] = FeePolicy{
				BaseFeeMsat: fee.BaseFeeMsat,
				FeeRatePpm:  fee.FeePerMil,
			}
		}
	}

	channels := make([]ChannelState, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		if ch == nil {
			continue
		}
		state := ChannelState{
			ChannelID:        ch.ChanId,
			ChannelPoint:     ch.ChannelPoint,
			RemotePubkey:     ch.RemotePubkey,
			Active:           ch.Active,
			Private:          ch.Private,
			CapacitySat:      ch.Capacity,
			LocalBalanceSat:  ch.LocalBalance,
			RemoteBalanceSat: ch.RemoteBalance,
		}
		if ch.Lifetime > 0 {
			state.AgeDays = float64(ch.Lifetime) / 86400.0
			if ch.Uptime > 0 {
				state.UptimeRatio = float64(ch.Uptime) / float64(ch.Lifetime)
				if state.UptimeRatio > 1 {
					state.UptimeRatio = 1
				}
			}
		}
		if policy, ok := policies[ch.ChanId]; ok {
			state.Policy = policy
		}
		channels = append(channels, state)
	}
	return channels, nil
}

// GetChannel returns the current state of a single channel, including
// the full local policy from the graph edge.
func (c *Client) GetChannel(ctx context.Context, channelID uint64) (ChannelState, error) {
	channels, err := c.ListChannels(ctx)
	if err != nil {
		return ChannelState{}, err
	}
	for _, ch := range channels {
		if ch.ChannelID != channelID {
			continue
		}
		if policy, err := c.localPolicy(ctx, channelID); err == nil {
			ch.Policy = policy
		}
		return ch, nil
	}
	return ChannelState{}, &PermanentError{Op: "getchannel", Err: fmt.Errorf("channel %d not found", channelID)}
}

// localPolicy reads our side of the graph edge for a channel.
func (c *Client) localPolicy(ctx context.Context, channelID uint64) (FeePolicy, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return FeePolicy{}, classifyRPCError("getchaninfo", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	edge, err := client.GetChanInfo(ctx, &lnrpc.ChanInfoRequest{ChanId: channelID})
	if err != nil {
		return FeePolicy{}, classifyRPCError("getchaninfo", err)
	}
	if edge == nil {
		return FeePolicy{}, &PermanentError{Op: "getchaninfo", Err: errors.New("channel edge unavailable")}
	}

	info, err := c.GetInfo(ctx)
	if err != nil {
		return FeePolicy{}, err
	}

	var policy *lnrpc.RoutingPolicy
	switch {
	case strings.EqualFold(edge.Node1Pub, info.Pubkey):
		policy = edge.Node1Policy
	case strings.EqualFold(edge.Node2Pub, info.Pubkey):
		policy = edge.Node2Policy
	default:
		return FeePolicy{}, &PermanentError{Op: "getchaninfo", Err: fmt.Errorf("local pubkey not found on channel %d", channelID)}
	}
	if policy == nil {
		return FeePolicy{}, &PermanentError{Op: "getchaninfo", Err: errors.New("local policy unavailable")}
	}

	return FeePolicy{
		BaseFeeMsat:   policy.FeeBaseMsat,
		FeeRatePpm:    policy.FeeRateMilliMsat,
		TimeLockDelta: policy.TimeLockDelta,
		MinHtlcMsat:   uint64(policy.MinHtlc),
		MaxHtlcMsat:   policy.MaxHtlcMsat,
	}, nil
}

// UpdateChannelPolicy applies a fee policy to a single channel. The
// node rejecting the update surfaces as a PermanentError.
func (c *Client) UpdateChannelPolicy(ctx context.Context, channelPoint string, policy FeePolicy) error {
	cp, err := parseChannelPoint(channelPoint)
	if err != nil {
		return &PermanentError{Op: "updatepolicy", Err: err}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return classifyRPCError("updatepolicy", err)
	}
	defer conn.Close()

	timeLock := policy.TimeLockDelta
	if timeLock == 0 {
		timeLock = 144
	}

	req := &lnrpc.PolicyUpdateRequest{
		Scope:         &lnrpc.PolicyUpdateRequest_ChanPoint{ChanPoint: cp},
		BaseFeeMsat:   policy.BaseFeeMsat,
		FeeRatePpm:    uint32(policy.FeeRatePpm),
		TimeLockDelta: timeLock,
	}
	if policy.MaxHtlcMsat > 0 {
		req.MaxHtlcMsat = policy.MaxHtlcMsat
	}
	if policy.MinHtlcMsat > 0 {
		req.MinHtlcMsat = policy.MinHtlcMsat
		req.MinHtlcMsatSpecified = true
	}

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.UpdateChannelPolicy(ctx, req)
	if err != nil {
		return classifyRPCError("updatepolicy", err)
	}
	if resp != nil && len(resp.FailedUpdates) > 0 {
		failed := resp.FailedUpdates[0]
		return &PermanentError{Op: "updatepolicy", Err: fmt.Errorf("update rejected: %s", failed.UpdateError)}
	}
	return nil
}

// GetForwardingHistory aggregates forwarding events touching the given
// channel (in or out) over the trailing window.
func (c *Client) GetForwardingHistory(ctx context.Context, channelID uint64, window time.Duration) (ForwardingStats, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return ForwardingStats{}, classifyRPCError("fwdinghistory", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	start := time.Now().Add(-window)
	stats := ForwardingStats{WindowDays: int(window.Hours() / 24)}

	offset := uint32(0)
	for {
		resp, err := client.ForwardingHistory(ctx, &lnrpc.ForwardingHistoryRequest{
			StartTime:    uint64(start.Unix()),
			EndTime:      uint64(time.Now().Unix()),
			IndexOffset:  offset,
			NumMaxEvents: forwardingPageSize,
		})
		if err != nil {
			return ForwardingStats{}, classifyRPCError("fwdinghistory", err)
		}
		if resp == nil || len(resp.ForwardingEvents) == 0 {
			break
		}
		for _, evt := range resp.ForwardingEvents {
			if evt == nil {
				continue
			}
			if evt.ChanIdIn != channelID && evt.ChanIdOut != channelID {
				continue
			}
			stats.ForwardCount++
			stats.VolumeSat += int64(evt.AmtOut)
			if evt.ChanIdOut == channelID {
				stats.FeeSat += int64(evt.Fee)
			}
			ts := time.Unix(0, int64(evt.TimestampNs))
			if ts.After(stats.LastForwardAt) {
				stats.LastForwardAt = ts
			}
		}
		if len(resp.ForwardingEvents) < forwardingPageSize {
			break
		}
		offset = resp.LastOffsetIndex
	}
	return stats, nil
}

// GetPeerInfo reads the counterpart's graph footprint.
func (c *Client) GetPeerInfo(ctx context.Context, pubkey string) (PeerInfo, error) {
	trimmed := strings.TrimSpace(pubkey)
	if trimmed == "" {
		return PeerInfo{}, &PermanentError{Op: "getnodeinfo", Err: errors.New("pubkey required")}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return PeerInfo{}, classifyRPCError("getnodeinfo", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.GetNodeInfo(ctx, &lnrpc.NodeInfoRequest{PubKey: trimmed})
	if err != nil {
		return PeerInfo{}, classifyRPCError("getnodeinfo", err)
	}
	info := PeerInfo{
		Pubkey:           trimmed,
		NumChannels:      int(resp.NumChannels),
		TotalCapacitySat: resp.TotalCapacity,
	}
	if resp.Node != nil {
		info.Alias = resp.Node.Alias
		if resp.Node.LastUpdate > 0 {
			info.LastUpdate = time.Unix(int64(resp.Node.LastUpdate), 0)
		}
	}
	return info, nil
}

func parseChannelPoint(point string) (*lnrpc.ChannelPoint, error) {
	parts := strings.Split(strings.TrimSpace(point), ":")
	if len(parts) != 2 || parts[0] == "" {
		return nil, fmt.Errorf("invalid channel point %q", point)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid channel point %q", point)
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: parts[0]},
		OutputIndex: uint32(index),
	}, nil
}
