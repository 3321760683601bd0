// Package overlay talks to an optional token-overlay daemon over HTTP
// JSON-RPC. The overlay enriches wallet transactions with token
// transfer records; it never affects coin-level accounting, and every
// failure degrades to an empty record.
package overlay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"
)

// TxData is the enrichment record for a single transaction.
type TxData struct {
	Amount     string `json:"amount,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Reference  string `json:"reference,omitempty"`
	Name       string `json:"name,omitempty"`
	PropertyID int64  `json:"property_id,omitempty"`
}

// Empty reports whether the record carries no transfer.
func (d TxData) Empty() bool {
	return d.Amount == "" || d.Sender == "" || d.Reference == ""
}

// AmountRat parses the decimal amount. Returns nil when absent or
// malformed.
func (d TxData) AmountRat() *big.Rat {
	if d.Amount == "" {
		return nil
	}
	r, ok := new(big.Rat).SetString(d.Amount)
	if !ok {
		return nil
	}
	return r
}

// Client is an HTTP JSON-RPC client for the overlay daemon.
type Client struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewClient creates a client for the given JSON-RPC URL. user/pass
// enable basic auth when non-empty.
func NewClient(url, user, pass string) *Client {
	return &Client{
		url:  url,
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// DecodeTransaction asks the daemon to decode a raw transaction.
// The record is discarded unless the daemon's txid matches.
func (c *Client) DecodeTransaction(rawHex, txid string) (TxData, error) {
	result, err := c.call("decodetransaction", []interface{}{rawHex})
	if err != nil {
		return TxData{}, err
	}

	var decoded struct {
		TxID             string `json:"txid"`
		Amount           string `json:"amount"`
		SendingAddress   string `json:"sendingaddress"`
		ReferenceAddress string `json:"referenceaddress"`
		PropertyID       int64  `json:"propertyid"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return TxData{}, err
	}
	if decoded.TxID != txid {
		return TxData{}, fmt.Errorf("txid mismatch: daemon returned %s", decoded.TxID)
	}

	return TxData{
		Amount:     decoded.Amount,
		Sender:     decoded.SendingAddress,
		Reference:  decoded.ReferenceAddress,
		Name:       c.PropertyName(decoded.PropertyID),
		PropertyID: decoded.PropertyID,
	}, nil
}

// PropertyName resolves a token property id to a display name. Falls
// back to a synthetic name when the daemon cannot answer.
func (c *Client) PropertyName(propertyID int64) string {
	result, err := c.call("getproperty", []interface{}{propertyID})
	if err != nil {
		return fmt.Sprintf("token_%d", propertyID)
	}
	var prop struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(result, &prop); err != nil || prop.Name == "" {
		return fmt.Sprintf("token_%d", propertyID)
	}
	return prop.Name
}

// Balance returns the token balance of an address.
func (c *Client) Balance(address string, propertyID int64) (*big.Rat, error) {
	result, err := c.call("getbalance", []interface{}{address, propertyID})
	if err != nil {
		return nil, err
	}
	var bal struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(result, &bal); err != nil {
		return nil, err
	}
	r, ok := new(big.Rat).SetString(bal.Balance)
	if !ok {
		return nil, fmt.Errorf("malformed balance %q", bal.Balance)
	}
	return r, nil
}

// call performs one JSON-RPC round-trip.
func (c *Client) call(method string, params []interface{}) (json.RawMessage, error) {
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

	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("malformed overlay response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("overlay error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}
