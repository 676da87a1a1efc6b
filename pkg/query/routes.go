package query

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gofiber/fiber/v2"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// Routes provides HTTP handlers over the query service.
type Routes struct {
	service *Service
}

// NewRoutes creates a new Routes instance.
func NewRoutes(service *Service) *Routes {
	return &Routes{service: service}
}

// Register registers all query routes on the given router.
func (r *Routes) Register(router fiber.Router) {
	router.Get("/script/:scripthash/history", r.History)
	router.Get("/script/:scripthash/utxos", r.Utxos)
	router.Get("/script/:scripthash/balance", r.Balance)
	router.Get("/tx/:txid", r.Transaction)
	router.Get("/tip", r.Tip)
}

type historyItem struct {
	Txid   string `json:"txid"`
	Height uint32 `json:"height"`
}

type utxoItem struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis uint64 `json:"satoshis"`
	Height   uint32 `json:"height"`
}

// History returns the ordered transaction history of a script hash.
func (r *Routes) History(c *fiber.Ctx) error {
	script, err := types.ScriptHashFromHex(c.Params("scripthash"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid script hash")
	}

	entries, err := r.service.History(c.Context(), script)
	if err != nil {
		return err
	}

	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{Txid: e.Txid.String(), Height: e.Height})
	}
	return c.JSON(items)
}

// Utxos returns the unspent outputs of a script hash.
func (r *Routes) Utxos(c *fiber.Ctx) error {
	script, err := types.ScriptHashFromHex(c.Params("scripthash"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid script hash")
	}

	utxos, err := r.service.Utxos(c.Context(), script)
	if err != nil {
		return err
	}

	items := make([]utxoItem, 0, len(utxos))
	for _, u := range utxos {
		items = append(items, utxoItem{
			Txid:     u.Outpoint.Txid.String(),
			Vout:     u.Outpoint.Vout,
			Satoshis: u.Satoshis,
			Height:   u.Height,
		})
	}
	return c.JSON(items)
}

// Balance returns the confirmed and unconfirmed balance of a script hash.
func (r *Routes) Balance(c *fiber.Ctx) error {
	script, err := types.ScriptHashFromHex(c.Params("scripthash"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid script hash")
	}

	balance, err := r.service.Balance(c.Context(), script)
	if err != nil {
		return err
	}
	return c.JSON(balance)
}

// Transaction returns a raw transaction as hex.
func (r *Routes) Transaction(c *fiber.Ctx) error {
	txid, err := chainhash.NewHashFromStr(c.Params("txid"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid txid")
	}

	raw, height, err := r.service.Transaction(c.Context(), txid)
	if errors.Is(err, ErrNotFound) {
		return c.Status(fiber.StatusNotFound).SendString("transaction not found")
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"hex":    hex.EncodeToString(raw),
		"height": height,
	})
}

// Tip returns the indexed chain tip and sync status.
func (r *Routes) Tip(c *fiber.Ctx) error {
	status, err := r.service.Tip(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(status)
}
