package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/config"
	"pimhelper.org/internal/rpc"
)

// dispatcher sends one broker action to the daemon.
type dispatcher interface {
	Dispatch(ctx context.Context, req broker.Request) (broker.Response, error)
	Close() error
}

func dial(cfg config.ClientConfig, grpcAddr string) (dispatcher, error) {
	switch cfg.Transport {
	case "", "grpc":
		c, err := rpc.Dial(grpcAddr, []rpc.ClientOption{
			rpc.WithCallTimeout(cfg.Timeout.Std()),
			rpc.WithSignInTimeout(cfg.SignInTimeout.Std()),
			rpc.WithRetries(cfg.Retries),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "http":
		return &httpDispatcher{
			target:        strings.TrimRight(cfg.HTTPTarget, "/"),
			client:        &http.Client{},
			timeout:       cfg.Timeout.Std(),
			signInTimeout: cfg.SignInTimeout.Std(),
			retries:       cfg.Retries,
			backoff:       time.Second,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want grpc or http)", cfg.Transport)
	}
}

// httpDispatcher posts actions to /v1/messages. Deadlines are per action,
// see broker.CallTimeout.
type httpDispatcher struct {
	target        string
	client        *http.Client
	timeout       time.Duration
	signInTimeout time.Duration
	retries       int
	backoff       time.Duration
}

func (h *httpDispatcher) Close() error { return nil }

func (h *httpDispatcher) Dispatch(ctx context.Context, req broker.Request) (broker.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return broker.Response{}, err
	}
	attempts := 1
	if broker.ReadOnly(req.Action) {
		attempts += h.retries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return broker.Response{}, ctx.Err()
			case <-time.After(time.Duration(i) * h.backoff):
			}
		}
		resp, err := h.post(ctx, broker.CallTimeout(req.Action, h.timeout, h.signInTimeout), payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return broker.Response{}, lastErr
}

func (h *httpDispatcher) post(ctx context.Context, timeout time.Duration, payload []byte) (broker.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.target+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return broker.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return broker.Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return broker.Response{}, err
	}
	var out broker.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return broker.Response{}, fmt.Errorf("daemon replied %s: %w", resp.Status, err)
	}
	return out, nil
}
