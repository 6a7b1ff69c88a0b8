package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"remotectl/codec"
	"remotectl/message"
	"time"
)

// maxResponseBytes bounds a response body; QUERY over a large world can be big.
const maxResponseBytes = 64 << 20

// HTTPTransport POSTs each envelope to URL. The underlying http.Client pools connections.
type HTTPTransport struct {
	URL     string
	Client  *http.Client
	Codec   codec.Codec
	Timeout time.Duration // Per request; zero means none
}

// NewHTTPTransport creates a JSON transport for url.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{
		URL:    url,
		Client: &http.Client{},
		Codec:  codec.GetCodec(codec.CodecTypeJSON),
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	body, err := t.Codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", t.Codec.ContentType())

	httpResp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	// 400 carries an ERROR envelope for protocol errors; any other failure status has none.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected HTTP status %s", httpResp.Status)
	}
	resp := &message.Response{}
	if err := codec.ForContentType(httpResp.Header.Get("Content-Type")).Decode(data, resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) Close() error {
	t.Client.CloseIdleConnections()
	return nil
}
