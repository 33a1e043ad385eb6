package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type apiClient struct {
	base  string
	token string
	httpc *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: base, token: token, httpc: &http.Client{Timeout: 10 * time.Second}}
}

type apiReply struct {
	Status int
	Body   map[string]any
	Raw    []byte
}

func (r apiReply) err() error {
	if r.Status < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %v", r.Status, r.Body["error"])
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, header http.Header) (apiReply, error) {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return apiReply{}, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return apiReply{}, err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return apiReply{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	out := apiReply{Status: resp.StatusCode, Raw: raw}
	_ = json.Unmarshal(raw, &out.Body)
	return out, nil
}
