package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/crosstown-labs/crosstown/core/ilp"
)

const remoteResponseLimit = 1 << 20 // 1 MiB cap on admin responses.

// Remote drives a connector over its admin HTTP surface. All methods honor
// the caller's context; transport failures map onto the shared sentinel
// errors so callers cannot tell the adapters apart.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote builds a remote adapter against the connector admin base URL.
// The underlying connection pool is bounded so a slow connector cannot pin
// unbounded sockets.
func NewRemote(baseURL string) (*Remote, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid connector url %q", baseURL)
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				MaxConnsPerHost:     16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// SendILPPacket posts the packet to the connector's runtime forwarder.
func (r *Remote) SendILPPacket(ctx context.Context, req *ilp.PacketRequest) (*ilp.PacketResponse, error) {
	if err := validatePacketRequest(req); err != nil {
		return nil, err
	}
	resp := &ilp.PacketResponse{}
	if err := r.do(ctx, http.MethodPost, "/admin/ilp/send", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddPeer registers the peer on the remote connector.
func (r *Remote) AddPeer(ctx context.Context, p *PeerConfig) error {
	if err := validatePeerConfig(p); err != nil {
		return err
	}
	return r.do(ctx, http.MethodPost, "/admin/peers", p, nil)
}

// RemovePeer deletes the peer from the remote connector.
func (r *Remote) RemovePeer(ctx context.Context, peerID string) error {
	if peerID == "" {
		return errors.Wrap(ErrInvalidArgument, "empty peer id")
	}
	return r.do(ctx, http.MethodDelete, "/admin/peers/"+url.PathEscape(peerID), nil, nil)
}

// OpenChannel asks the remote connector to open a payment channel.
func (r *Remote) OpenChannel(ctx context.Context, params *OpenChannelParams) (string, error) {
	if err := validateOpenChannelParams(params); err != nil {
		return "", err
	}
	out := struct {
		ChannelID string `json:"channelId"`
	}{}
	if err := r.do(ctx, http.MethodPost, "/admin/channels", params, &out); err != nil {
		return "", err
	}
	if out.ChannelID == "" {
		return "", errors.Wrap(ErrInternal, "connector returned no channel id")
	}
	return out.ChannelID, nil
}

// ChannelState reads a channel's lifecycle state from the remote connector.
func (r *Remote) ChannelState(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty channel id")
	}
	out := struct {
		ChannelID string `json:"channelId"`
		State     string `json:"state"`
		Chain     string `json:"chain"`
	}{}
	if err := r.do(ctx, http.MethodGet, "/admin/channels/"+url.PathEscape(channelID), nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

func (r *Remote) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(ErrInvalidArgument, err.Error())
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ErrTimeout, "%s %s", method, path)
		}
		log.WithError(err).WithField("path", path).Debug("Connector request failed")
		return errors.Wrapf(ErrPeerUnreachable, "%s %s: %v", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close connector response body")
		}
	}()
	raw, err := ioutil.ReadAll(io.LimitReader(resp.Body, remoteResponseLimit))
	if err != nil {
		return errors.Wrap(ErrInternal, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remoteError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(ErrInternal, "malformed connector response: %v", err)
	}
	return nil
}

// remoteError decodes a structured {code, message} error body, falling back
// to a status-based mapping for bare failures.
func remoteError(status int, raw []byte) error {
	wire := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Code != "" {
		return errForCode(wire.Code, wire.Message)
	}
	msg := fmt.Sprintf("connector returned status %d", status)
	switch {
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return errors.Wrap(ErrInvalidArgument, msg)
	case status == http.StatusGatewayTimeout:
		return errors.Wrap(ErrTimeout, msg)
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return errors.Wrap(ErrPeerUnreachable, msg)
	default:
		return errors.Wrap(ErrInternal, msg)
	}
}
