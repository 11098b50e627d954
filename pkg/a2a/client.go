package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
)

// Route identifies the sub-agent a message is sent to, plus the
// authentication and caller-forwarded headers attached to the call.
type Route struct {
	TenantID   string
	ProjectID  string
	AgentID    string
	SubAgentID string

	BearerToken string
	// Forwarded carries caller headers passed through for downstream tool
	// auth (e.g. session cookies). Routing headers always win on conflict.
	Forwarded http.Header
}

// Client sends messages to sub-agents.
type Client interface {
	SendMessage(ctx context.Context, route Route, params *SendParams) (*SendResult, error)
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// HTTPClient is the JSON-RPC-over-HTTP implementation of Client.
type HTTPClient struct {
	baseURL   string
	http      *http.Client
	requestID atomic.Int64
	logger    *logger.Logger
}

// NewHTTPClient creates an A2A client against the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "a2a-client")),
	}
}

// SendMessage posts a message/send call to the routed sub-agent and
// decodes the result. A nil result with nil error never occurs; transport
// and protocol failures are returned as errors.
func (c *HTTPClient) SendMessage(ctx context.Context, route Route, params *SendParams) (*SendResult, error) {
	if params.Message != nil {
		for i := range params.Message.Parts {
			if err := params.Message.Parts[i].Validate(); err != nil {
				return nil, fmt.Errorf("invalid message part %d: %w", i, err)
			}
		}
	}

	req := &rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  "message/send",
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal a2a request: %w", err)
	}

	url := fmt.Sprintf("%s/a2a/%s/%s/%s/%s",
		c.baseURL, route.TenantID, route.ProjectID, route.AgentID, route.SubAgentID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// Caller-forwarded headers first so routing headers take precedence.
	for name, values := range route.Forwarded {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderTenantID, route.TenantID)
	httpReq.Header.Set(HeaderProjectID, route.ProjectID)
	httpReq.Header.Set(HeaderAgentID, route.AgentID)
	httpReq.Header.Set(HeaderSubAgentID, route.SubAgentID)
	if route.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+route.BearerToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("a2a request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read a2a response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("a2a request returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode a2a response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return nil, nil
	}

	var result SendResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode a2a result: %w", err)
	}

	c.logger.Debug("a2a message sent",
		zap.String("sub_agent_id", route.SubAgentID),
		zap.Int("artifacts", len(result.Artifacts)))

	return &result, nil
}
