package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RPCClient talks JSON-RPC to a bitcoind node. It implements BlockSource
// and MempoolSource. Credentials come either from explicit user/password or
// from the node's cookie file, re-read on each request so a node restart
// does not strand the client.
type RPCClient struct {
	url        string
	user       string
	pass       string
	cookiePath string
	client     *http.Client
	logger     *slog.Logger
	nextID     atomic.Uint64
}

// NewRPCClient creates an RPC client from config.
func NewRPCClient(cfg *RPCConfig, logger *slog.Logger) *RPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		url:        cfg.URL,
		user:       cfg.User,
		pass:       cfg.Pass,
		cookiePath: expandPath(cfg.CookiePath),
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// credentials returns the basic-auth pair, preferring the cookie file.
func (c *RPCClient) credentials() (string, string, error) {
	if c.cookiePath != "" {
		raw, err := os.ReadFile(c.cookiePath)
		if err != nil {
			return "", "", fmt.Errorf("read cookie file: %w", err)
		}
		user, pass, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
		if !ok {
			return "", "", fmt.Errorf("malformed cookie file %s", c.cookiePath)
		}
		return user, pass, nil
	}
	return c.user, c.pass, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	user, pass, err := c.credentials()
	if err != nil {
		return err
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("rpc %s: status %d: %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) BestHeight(ctx context.Context) (uint32, error) {
	var height uint32
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

func (c *RPCClient) BestBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call(ctx, "getbestblockhash", nil, &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *RPCClient) BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call(ctx, "getblockhash", []any{height}, &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *RPCClient) BlockHeader(ctx context.Context, height uint32) (*wire.BlockHeader, error) {
	hash, err := c.BlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	var headerHex string
	if err := c.call(ctx, "getblockheader", []any{hash.String(), false}, &headerHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("decode header hex: %w", err)
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &header, nil
}

func (c *RPCClient) Block(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var blockHex string
	if err := c.call(ctx, "getblock", []any{hash.String(), 0}, &blockHex); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, fmt.Errorf("decode block hex: %w", err)
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &block, nil
}

func (c *RPCClient) MempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	var txidStrs []string
	if err := c.call(ctx, "getrawmempool", nil, &txidStrs); err != nil {
		return nil, err
	}
	txids := make([]chainhash.Hash, 0, len(txidStrs))
	for _, s := range txidStrs {
		txid, err := chainhash.NewHashFromStr(s)
		if err != nil {
			c.logger.Warn("skipping malformed mempool txid", "txid", s, "error", err)
			continue
		}
		txids = append(txids, *txid)
	}
	return txids, nil
}

func (c *RPCClient) RawTransaction(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	var txHex string
	if err := c.call(ctx, "getrawtransaction", []any{txid.String(), false}, &txHex); err != nil {
		return nil, err
	}
	return hex.DecodeString(txHex)
}

// SendRawTransaction broadcasts a raw transaction and returns its txid.
func (c *RPCClient) SendRawTransaction(ctx context.Context, raw []byte) (*chainhash.Hash, error) {
	var txidStr string
	if err := c.call(ctx, "sendrawtransaction", []any{hex.EncodeToString(raw)}, &txidStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(txidStr)
}
