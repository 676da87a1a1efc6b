package query

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

func newTestApp(t *testing.T) (*fiber.App, *fixture) {
	t.Helper()
	f := newFixture(t)
	app := fiber.New()
	NewRoutes(f.service).Register(app)
	return app, f
}

func TestHistoryRoute(t *testing.T) {
	app, f := newTestApp(t)

	script := []byte{0x51}
	cb := makeCoinbase(0, script, 5000)
	f.indexBlock(t, 0, nil, cb)

	scriptHash := types.HashScript(script)
	resp, err := app.Test(httptest.NewRequest("GET", "/script/"+scriptHash.String()+"/history", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var items []struct {
		Txid   string `json:"txid"`
		Height uint32 `json:"height"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(items) != 1 || items[0].Txid != cb.TxHash().String() {
		t.Errorf("unexpected history payload: %s", body)
	}
}

func TestHistoryRouteBadScriptHash(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/script/nothex/history", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTransactionRouteNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	missing := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	resp, err := app.Test(httptest.NewRequest("GET", "/tx/"+missing, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTipRoute(t *testing.T) {
	app, f := newTestApp(t)
	block := f.indexBlock(t, 0, nil, makeCoinbase(0, []byte{0x51}, 5000))

	resp, err := app.Test(httptest.NewRequest("GET", "/tip", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status Status
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.Height != 0 || status.Hash != block.Hash().String() {
		t.Errorf("unexpected tip payload: %s", body)
	}
}
