// Package electrum implements the Electrum-server network collaborator:
// a newline-delimited JSON-RPC client over TCP/TLS plus the polling
// syncer that feeds the address-history engine.
package electrum

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/quasar-wallet/quasard/internal/addrsync"
	"github.com/quasar-wallet/quasard/internal/headers"
	"github.com/quasar-wallet/quasard/pkg/helpers"
)

// Common errors.
var (
	ErrNotConnected = errors.New("electrum server not connected")
)

const clientName = "quasard"
const protocolVersion = "1.4"

// Client speaks the Electrum protocol to one of a list of servers.
type Client struct {
	servers []string
	useTLS  bool
	params  *chaincfg.Params
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

// NewClient creates an Electrum client. Servers are "host:port" and
// are tried in order.
func NewClient(servers []string, useTLS bool, params *chaincfg.Params, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		servers: servers,
		useTLS:  useTLS,
		params:  params,
		timeout: timeout,
	}
}

// Connect establishes a connection to the first reachable server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var lastErr error
	for _, server := range c.servers {
		var conn net.Conn
		var err error

		dialer := &net.Dialer{Timeout: c.timeout}
		if c.useTLS {
			conn, err = tls.DialWithDialer(dialer, "tcp", server, &tls.Config{
				MinVersion: tls.VersionTLS12,
			})
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		c.conn = conn
		c.reader = bufio.NewReader(conn)

		if _, err = c.callLocked("server.version", []interface{}{clientName, protocolVersion}); err != nil {
			conn.Close()
			c.conn = nil
			lastErr = err
			continue
		}

		c.connected = true
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

// IsConnected reports whether a server connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AddressHistory returns the server's confirmed-and-mempool history
// for an address, plus the fees it reports for mempool entries.
func (c *Client) AddressHistory(address string) ([]addrsync.HistoryEntry, map[string]int64, error) {
	scriptHash, err := AddressToScripthash(address, c.params)
	if err != nil {
		return nil, nil, err
	}

	result, err := c.call("blockchain.scripthash.get_history", []interface{}{scriptHash})
	if err != nil {
		return nil, nil, err
	}

	var rows []struct {
		TxHash string `json:"tx_hash"`
		Height int32  `json:"height"`
		Fee    *int64 `json:"fee,omitempty"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, nil, fmt.Errorf("unexpected history response: %w", err)
	}

	entries := make([]addrsync.HistoryEntry, 0, len(rows))
	fees := make(map[string]int64)
	for _, r := range rows {
		entries = append(entries, addrsync.HistoryEntry{Txid: r.TxHash, Height: r.Height})
		if r.Fee != nil {
			fees[r.TxHash] = *r.Fee
		}
	}
	return entries, fees, nil
}

// RawTransaction fetches a transaction's raw hex by txid.
func (c *Client) RawTransaction(txid string) (string, error) {
	result, err := c.call("blockchain.transaction.get", []interface{}{txid, false})
	if err != nil {
		return "", err
	}
	var rawHex string
	if err := json.Unmarshal(result, &rawHex); err != nil {
		return "", fmt.Errorf("unexpected transaction response: %w", err)
	}
	return rawHex, nil
}

// BroadcastTransaction submits a raw transaction and returns its txid.
func (c *Client) BroadcastTransaction(rawHex string) (string, error) {
	result, err := c.call("blockchain.transaction.broadcast", []interface{}{rawHex})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("unexpected broadcast response: %w", err)
	}
	return txid, nil
}

// TipHeight returns the server's current chain tip height.
func (c *Client) TipHeight() (int32, error) {
	result, err := c.call("blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		return 0, err
	}
	var tip struct {
		Height int32 `json:"height"`
	}
	if err := json.Unmarshal(result, &tip); err != nil {
		return 0, fmt.Errorf("unexpected headers response: %w", err)
	}
	return tip.Height, nil
}

// BlockHeader fetches and parses the header at a height.
func (c *Client) BlockHeader(height int32) (*headers.Header, error) {
	result, err := c.call("blockchain.block.header", []interface{}{height, 0})
	if err != nil {
		return nil, err
	}
	var headerHex string
	if err := json.Unmarshal(result, &headerHex); err != nil {
		return nil, fmt.Errorf("unexpected block header response: %w", err)
	}
	return headers.Parse(headerHex, height)
}

// call makes one Electrum JSON-RPC round-trip.
func (c *Client) call(method string, params []interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(method, params)
}

// callLocked requires c.mu.
func (c *Client) callLocked(method string, params []interface{}) (json.RawMessage, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	id := c.requestID.Add(1)
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))

	// newline delimited
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.connected = false
		return nil, err
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.connected = false
		return nil, err
	}

	var response struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

// =============================================================================
// Scripthash conversion
// =============================================================================

// AddressToScripthash converts an address to Electrum's scripthash
// form: SHA256 of the scriptPubKey, byte-reversed, hex encoded.
func AddressToScripthash(address string, params *chaincfg.Params) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("failed to decode address: %w", err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", fmt.Errorf("failed to build scriptPubKey: %w", err)
	}

	hash := sha256.Sum256(script)
	return helpers.BytesToHex(helpers.ReverseBytes(hash[:])), nil
}

// statusOf reproduces the Electrum status hash of a history: sha256
// over the concatenated "txid:height:" rows, or "" for an empty
// history.
func statusOf(entries []addrsync.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s:%d:", e.Txid, e.Height)
	}
	return helpers.BytesToHex(h.Sum(nil))
}
