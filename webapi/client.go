package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/authverdict/authverdict/verdictdb"
)

// Client can be used to call API methods.
// Client implements [Methods].
type Client struct {
	BaseURL    string // For example: http://localhost:8025/api/.
	Username   string // Added as HTTP basic authentication if not empty.
	Password   string
	HTTPClient *http.Client // Optional, defaults to http.DefaultClient.
}

var _ Methods = Client{}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func transact[T any](ctx context.Context, c Client, fn string, params ...any) (resp T, rerr error) {
	if params == nil {
		params = []any{}
	}
	reqbuf, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return resp, fmt.Errorf("marshal request: %v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(c.BaseURL, "/")+"/"+fn, bytes.NewReader(reqbuf))
	if err != nil {
		return resp, fmt.Errorf("new request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.Username != "" {
		hreq.SetBasicAuth(c.Username, c.Password)
	}
	hresp, err := c.httpClient().Do(hreq)
	if err != nil {
		return resp, fmt.Errorf("http transaction: %v", err)
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK && hresp.StatusCode != http.StatusInternalServerError || !strings.HasPrefix(hresp.Header.Get("Content-Type"), "application/json") {
		return resp, badResponse(hresp)
	}

	var result struct {
		Result *T     `json:"result"`
		Error  *Error `json:"error"`
	}
	// Verdict lists can be large, but not this large.
	body := http.MaxBytesReader(nil, hresp.Body, 16*1024*1024)
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return resp, fmt.Errorf("parsing response: %v", err)
	}
	if result.Error != nil {
		return resp, *result.Error
	}
	if result.Result != nil {
		resp = *result.Result
	}
	return resp, nil
}

func badResponse(hresp *http.Response) error {
	// Only the start of error pages is of interest.
	buf, err := io.ReadAll(io.LimitReader(hresp.Body, 10*1024))
	if err != nil {
		return fmt.Errorf("http status %q, reading response body: %v", hresp.Status, err)
	}
	return fmt.Errorf("http status %q, response: %s", hresp.Status, strings.TrimSpace(string(buf)))
}

func (c Client) Evaluate(ctx context.Context, req EvaluateRequest) (resp EvaluateResult, err error) {
	return transact[EvaluateResult](ctx, c, "Evaluate", req)
}

func (c Client) ClearCache(ctx context.Context) error {
	_, err := transact[any](ctx, c, "ClearCache")
	return err
}

func (c Client) Verdicts(ctx context.Context, req VerdictsRequest) ([]verdictdb.Verdict, error) {
	return transact[[]verdictdb.Verdict](ctx, c, "Verdicts", req)
}

func (c Client) VerdictRemove(ctx context.Context, id string) error {
	_, err := transact[any](ctx, c, "VerdictRemove", id)
	return err
}
