package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const msgpackContentType = "binary/message-pack"

// maxRPCResponse bounds how much of an RPC response is read.
const maxRPCResponse = 8 << 20

// ErrAuth is returned when msfrpcd rejects the credentials or token.
var ErrAuth = errors.New("msfrpc: authentication failed")

// RPCError is an error reported by msfrpcd in its response body.
type RPCError struct {
	Status  int
	Class   string `msgpack:"error_class"`
	Message string `msgpack:"error_message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("msfrpc: %s: %s (http %d)", e.Class, e.Message, e.Status)
}

// SessionInfo is the subset of session.list fields we use.
type SessionInfo struct {
	Type        string `msgpack:"type"`
	Info        string `msgpack:"info"`
	TunnelPeer  string `msgpack:"tunnel_peer"`
	ViaExploit  string `msgpack:"via_exploit"`
	ViaPayload  string `msgpack:"via_payload"`
	SessionHost string `msgpack:"session_host"`
	Platform    string `msgpack:"platform"`
}

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	URL                string
	User               string
	Pass               string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// RPCClient speaks the Metasploit RPC protocol: MessagePack-encoded arrays
// of [method, args...] POSTed to the /api/ endpoint.
type RPCClient struct {
	url  string
	user string
	pass string
	http *http.Client

	mu    sync.Mutex
	token string
}

func NewRPCClient(cfg RPCConfig) *RPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	return &RPCClient{
		url:  cfg.URL,
		user: cfg.User,
		pass: cfg.Pass,
		http: &http.Client{Timeout: timeout, Transport: tr},
	}
}

func (c *RPCClient) call(ctx context.Context, out any, method string, args ...any) error {
	body, err := msgpack.Marshal(append([]any{method}, args...))
	if err != nil {
		return fmt.Errorf("msfrpc: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", msgpackContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("msfrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return fmt.Errorf("msfrpc: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		rerr := &RPCError{Status: resp.StatusCode}
		_ = msgpack.Unmarshal(b, rerr)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrAuth, rerr)
		}
		return rerr
	}
	if err := msgpack.Unmarshal(b, out); err != nil {
		return fmt.Errorf("msfrpc: decode %s response: %w", method, err)
	}
	return nil
}

// Login authenticates and stores the session token.
func (c *RPCClient) Login(ctx context.Context) error {
	var res struct {
		Result string `msgpack:"result"`
		Token  string `msgpack:"token"`
	}
	if err := c.call(ctx, &res, "auth.login", c.user, c.pass); err != nil {
		return err
	}
	if res.Result != "success" || res.Token == "" {
		return ErrAuth
	}
	c.mu.Lock()
	c.token = res.Token
	c.mu.Unlock()
	return nil
}

func (c *RPCClient) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Sessions returns the open sessions keyed by session ID. It logs in on
// first use and once more when the token was rejected.
func (c *RPCClient) Sessions(ctx context.Context) (map[string]SessionInfo, error) {
	if c.currentToken() == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	raw, err := c.listSessions(ctx)
	if errors.Is(err, ErrAuth) {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		raw, err = c.listSessions(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]SessionInfo, len(raw))
	for id, info := range raw {
		out[strconv.FormatUint(uint64(id), 10)] = info
	}
	return out, nil
}

func (c *RPCClient) listSessions(ctx context.Context) (map[uint32]SessionInfo, error) {
	var raw map[uint32]SessionInfo
	if err := c.call(ctx, &raw, "session.list", c.currentToken()); err != nil {
		return nil, err
	}
	return raw, nil
}

// Logout invalidates the current token. It is a no-op when not logged in.
func (c *RPCClient) Logout(ctx context.Context) error {
	tok := c.currentToken()
	if tok == "" {
		return nil
	}
	var res map[string]any
	err := c.call(ctx, &res, "auth.logout", tok, tok)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return err
}
