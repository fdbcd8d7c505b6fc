package llm

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/comigor/chatgw/internal/logger"
)

// DefaultTimeout bounds every outbound vendor call.
const DefaultTimeout = 60 * time.Second

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// vendorDoer sends requests for one provider and turns any non-2xx
// response into a KindVendor *Error carrying the raw body. It satisfies
// openai.HTTPDoer, so go-openai clients never see an error response.
type vendorDoer struct {
	provider ProviderName
	client   *http.Client
	// nonStream makes "stream": false explicit in JSON request bodies.
	nonStream bool
}

func (d vendorDoer) Do(req *http.Request) (*http.Response, error) {
	if d.nonStream {
		var err error
		if req, err = withStreamDisabled(req); err != nil {
			return nil, &Error{Kind: KindTransport, Provider: d.provider, Err: err}
		}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: d.provider, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.L.Warn("failed to close vendor response body", "provider", d.provider, "error", cerr)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		logger.L.Warn("failed to read vendor error body", "provider", d.provider, "error", err)
	}
	return nil, &Error{
		Kind:     KindVendor,
		Provider: d.provider,
		Status:   resp.StatusCode,
		Body:     string(body),
	}
}

// withStreamDisabled adds "stream": false to a JSON object body that does
// not mention stream. go-openai omits the field when it is false.
func withStreamDisabled(req *http.Request) (*http.Request, error) {
	if req.Method != http.MethodPost || req.Body == nil {
		return req, nil
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) == nil && fields != nil {
		if _, ok := fields["stream"]; !ok {
			fields["stream"] = json.RawMessage("false")
			if b, err := json.Marshal(fields); err == nil {
				raw = b
			}
		}
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(raw))
	out.ContentLength = int64(len(raw))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	return out, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
