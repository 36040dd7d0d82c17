package lndclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

const (
	rebalanceInvoiceExpirySec = 3600
	rebalanceMaxParts         = 3
)

// RebalanceChannel performs a circular self-payment that drains the
// source channel and fills the target channel: an invoice on our own
// node paid out through fromChannelID and received via the target's
// peer as last hop.
func (c *Client) RebalanceChannel(ctx context.Context, fromChannelID, toChannelID uint64, amountSat int64, feeLimitMsat int64, timeout time.Duration) (RebalanceResult, error) {
	if amountSat <= 0 {
		return RebalanceResult{}, &PermanentError{Op: "rebalance", Err: errors.New("amount must be positive")}
	}
	if fromChannelID == 0 || toChannelID == 0 || fromChannelID == toChannelID {
		return RebalanceResult{}, &PermanentError{Op: "rebalance", Err: errors.New("distinct source and target channels required")}
	}

	target, err := c.GetChannel(ctx, toChannelID)
	if err != nil {
		return RebalanceResult{}, err
	}
	lastHop := strings.TrimSpace(target.RemotePubkey)
	if lastHop == "" {
		return RebalanceResult{}, &PermanentError{Op: "rebalance", Err: errors.New("target peer pubkey unavailable")}
	}

	payReq, err := c.createRebalanceInvoice(ctx, amountSat, fromChannelID, toChannelID)
	if err != nil {
		return RebalanceResult{}, err
	}

	payment, err := c.sendWithConstraints(ctx, payReq, fromChannelID, lastHop, feeLimitMsat, timeout)
	if err != nil {
		return RebalanceResult{}, err
	}

	return RebalanceResult{
		AmountSat:   amountSat,
		FeePaidSat:  payment.FeeMsat / 1000,
		PaymentHash: payment.PaymentHash,
	}, nil
}

func (c *Client) createRebalanceInvoice(ctx context.Context, amountSat int64, sourceID, targetID uint64) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", classifyRPCError("addinvoice", err)
	}
	defer conn.Close()

	client := lnrpc.NewLightningClient(conn)
	resp, err := client.AddInvoice(ctx, &lnrpc.Invoice{
		Value:  amountSat,
		Memo:   fmt.Sprintf("feepilot rebalance %d->%d", sourceID, targetID),
		Expiry: rebalanceInvoiceExpirySec,
	})
	if err != nil {
		return "", classifyRPCError("addinvoice", err)
	}
	if resp == nil || strings.TrimSpace(resp.PaymentRequest) == "" {
		return "", &TransientError{Op: "addinvoice", Err: errors.New("empty invoice response")}
	}
	return resp.PaymentRequest, nil
}

func (c *Client) sendWithConstraints(ctx context.Context, paymentRequest string, outgoingChanID uint64, lastHopPubkey string, feeLimitMsat int64, timeout time.Duration) (*lnrpc.Payment, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, classifyRPCError("sendpayment", err)
	}
	defer conn.Close()

	router := routerrpc.NewRouterClient(conn)
	req := &routerrpc.SendPaymentRequest{
		PaymentRequest:    strings.TrimSpace(paymentRequest),
		TimeoutSeconds:    int32(timeout / time.Second),
		OutgoingChanId:    outgoingChanID,
		AllowSelfPayment:  true,
		MaxParts:          rebalanceMaxParts,
		NoInflightUpdates: true,
	}
	if feeLimitMsat > 0 {
		req.FeeLimitMsat = feeLimitMsat
	}
	hopBytes, err := hex.DecodeString(strings.TrimSpace(lastHopPubkey))
	if err != nil {
		return nil, &PermanentError{Op: "sendpayment", Err: errors.New("invalid last hop pubkey")}
	}
	req.LastHopPubkey = hopBytes

	stream, err := router.SendPaymentV2(ctx, req)
	if err != nil {
		return nil, classifyRPCError("sendpayment", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return nil, &TransientError{Op: "sendpayment", Err: errors.New("payment timeout")}
		}
		payment, err := stream.Recv()
		if err != nil {
			return nil, classifyRPCError("sendpayment", err)
		}
		if payment == nil {
			continue
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return payment, nil
		case lnrpc.Payment_FAILED:
			return nil, classifyPaymentFailure(payment.FailureReason)
		default:
		}
	}
}

// classifyPaymentFailure maps payment failure reasons onto the retry
// taxonomy: route/timeout failures may clear on retry, the rest are
// rejected outright.
func classifyPaymentFailure(reason lnrpc.PaymentFailureReason) error {
	switch reason {
	case lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE,
		lnrpc.PaymentFailureReason_FAILURE_REASON_TIMEOUT,
		lnrpc.PaymentFailureReason_FAILURE_REASON_INSUFFICIENT_BALANCE:
		return &TransientError{Op: "sendpayment", Err: fmt.Errorf("payment failed: %s", reason.String())}
	default:
		return &PermanentError{Op: "sendpayment", Err: fmt.Errorf("payment failed: %s", reason.String())}
	}
}
