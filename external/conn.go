package external

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const defaultMaxMessageSize = 10 << 20

// Conn is the default Transport: a bidirectional JSON-RPC 2.0 multiplexer
// over newline-delimited JSON, typically on a subprocess's stdio.
//
// Outbound traffic is serialized through a mutex-protected encoder; inbound
// traffic is dispatched by readLoop. Pending calls are tracked in a
// map[int64]chan so readLoop exit can fail them all instead of leaking
// blocked goroutines. Register every handler before calling Start.
type Conn struct {
	writeMu sync.Mutex
	enc     *json.Encoder
	w       io.Writer
	r       io.Reader

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan inMessage

	notifyHandlers map[string]func(json.RawMessage)
	callHandlers   map[string]func(json.RawMessage) (any, error)

	maxMessageSize int

	done    chan struct{}
	started atomic.Bool
	readErr atomic.Value
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithMaxMessageSize overrides the per-line size limit.
func WithMaxMessageSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// NewConn creates a connection reading from r and writing to w. Call Start
// after registering handlers.
func NewConn(r io.Reader, w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{
		w:              w,
		r:              r,
		enc:            json.NewEncoder(w),
		pending:        make(map[int64]chan inMessage),
		notifyHandlers: make(map[string]func(json.RawMessage)),
		callHandlers:   make(map[string]func(json.RawMessage) (any, error)),
		maxMessageSize: defaultMaxMessageSize,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the read loop. Must be called exactly once, after all
// handlers are registered.
func (c *Conn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
}

// OnNotification registers a handler for inbound notifications.
func (c *Conn) OnNotification(method string, h func(json.RawMessage)) {
	c.notifyHandlers[method] = h
}

// OnRequest registers a handler for inbound method calls. The handler runs
// in its own goroutine so slow handlers never stall the read loop.
func (c *Conn) OnRequest(method string, h func(json.RawMessage) (any, error)) {
	c.callHandlers[method] = h
}

// Call sends a request and blocks for the response. Fails with
// ErrTransportLost when the read loop exits first.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan inMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := outMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := c.send(msg); err != nil {
		c.dropPending(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		return decodeResponse(resp, ok, method, result)
	case <-ctx.Done():
		c.dropPending(id)
		// The response may have landed just before cancellation.
		select {
		case resp, ok := <-ch:
			return decodeResponse(resp, ok, method, result)
		default:
			return ctx.Err()
		}
	}
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	return c.send(outMessage{JSONRPC: "2.0", Method: method, Params: params})
}

// Done reports read loop termination.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop stopped, nil for a clean EOF.
func (c *Conn) Err() error {
	if v := c.readErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Close closes the underlying reader and writer when they support it, which
// in turn stops the read loop.
func (c *Conn) Close() error {
	var err error
	if wc, ok := c.w.(io.Closer); ok {
		err = wc.Close()
	}
	if rc, ok := c.r.(io.Closer); ok {
		if cerr := rc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Conn) send(v outMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(v)
}

func (c *Conn) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.failPending()

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 4096), c.maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		// Skip blank lines and non-JSON noise such as startup banners.
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg inMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		c.dispatch(msg)
	}
	if err := scanner.Err(); err != nil {
		c.readErr.Store(err)
	}
}

func (c *Conn) dispatch(msg inMessage) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.deliverResponse(msg)
	case msg.ID != nil:
		c.serveRequest(msg)
	case msg.Method != "":
		if h, ok := c.notifyHandlers[msg.Method]; ok {
			h(msg.Params)
		}
	}
}

func (c *Conn) deliverResponse(msg inMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Conn) serveRequest(msg inMessage) {
	h, ok := c.callHandlers[msg.Method]
	if !ok {
		c.respondError(*msg.ID, codeMethodNotFound, "method not found: "+msg.Method)
		return
	}
	id := *msg.ID
	params := msg.Params
	go func() {
		result, err := h(params)
		if err != nil {
			c.respondError(id, codeApplicationError, err.Error())
			return
		}
		c.respond(id, result)
	}()
}

// respond and respondError ignore write failures: they run while the
// connection may already be closing, and the peer times out on its own.
func (c *Conn) respond(id int64, result any) {
	if result == nil {
		result = struct{}{}
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.respondError(id, codeInternalError, "marshal result: "+err.Error())
		return
	}
	_ = c.send(outMessage{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(data)})
}

func (c *Conn) respondError(id int64, code int, message string) {
	_ = c.send(outMessage{JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: code, Message: message}})
}

// failPending closes every pending call channel so blocked Call goroutines
// resolve with ErrTransportLost.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func decodeResponse(resp inMessage, ok bool, method string, result any) error {
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportLost, method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

type outMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type inMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}
