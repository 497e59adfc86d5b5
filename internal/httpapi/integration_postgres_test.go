//go:build integration

package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-network/ledger/internal/batch"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/engine"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/store/postgres"
)

// Integration test against Postgres to ensure migrations + the full
// mint/transfer/query/subscribe flow work with real persistence and row
// locking. Skipped unless DATABASE_URL is set.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	require.NoError(t, postgres.Migrate(dsn))

	db, err := postgres.Open(dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	issuerPub, issuerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var issuerPK [32]byte
	copy(issuerPK[:], issuerPub)

	bus := eventbus.New()
	batcher := batch.New(batch.Config{MaxSize: 1000, Period: time.Minute}, db, bus)
	eng := engine.New(db, batcher, bus, issuerPK, 5*time.Second)

	router := NewRouter(Deps{
		Store:   db,
		Engine:  eng,
		Batcher: batcher,
		Bus:     bus,
		Log:     logging.NewDefault("integration"),
	})
	server := httptest.NewServer(router)
	defer server.Close()
	client := server.Client()

	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	aliceAddr := createAccountHTTP(t, client, server.URL, alicePub)
	bobAddr := createAccountHTTP(t, client, server.URL, bobPub)

	// The issuer nonce is global DB state that survives across runs; read
	// the current value instead of assuming a fresh schema.
	ctx := context.Background()
	storeTx, err := db.Begin(ctx)
	require.NoError(t, err)
	issuerNonce, err := storeTx.LockIssuerNonce(ctx)
	require.NoError(t, err)
	require.NoError(t, storeTx.Rollback())

	// Subscribe before submitting so both status frames are observed.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Mint to alice.
	mintMsg := ledger.CanonicalMintMessage(aliceAddr, 1000, uint64(issuerNonce+1))
	mintSig := ed25519.Sign(issuerPriv, mintMsg)
	mintResp := postJSON(t, client, server.URL+"/transaction/mint", map[string]interface{}{
		"to":        hex.EncodeToString(aliceAddr[:]),
		"amount":    1000,
		"nonce":     issuerNonce + 1,
		"signature": hex.EncodeToString(mintSig),
	})
	require.Equal(t, "executed", mintResp["status"], "mint response: %v", mintResp)

	// Transfer 100 alice -> bob; fee 10 is burned.
	transferMsg := ledger.CanonicalTransferMessage(aliceAddr, bobAddr, 100, 1)
	transferSig := ed25519.Sign(alicePriv, transferMsg)
	transferResp := postJSON(t, client, server.URL+"/transaction/transfer", map[string]interface{}{
		"from":      hex.EncodeToString(aliceAddr[:]),
		"to":        hex.EncodeToString(bobAddr[:]),
		"amount":    100,
		"nonce":     1,
		"signature": hex.EncodeToString(transferSig),
	})
	require.Equal(t, "executed", transferResp["status"], "transfer response: %v", transferResp)
	txID := transferResp["tx_id"].(string)

	aliceBalance := getJSON(t, client, server.URL+"/account/"+hex.EncodeToString(aliceAddr[:])+"/balance")
	assert.Equal(t, float64(890), aliceBalance["balance"])
	assert.Equal(t, float64(1), aliceBalance["nonce"])

	bobBalance := getJSON(t, client, server.URL+"/account/"+hex.EncodeToString(bobAddr[:])+"/balance")
	assert.Equal(t, float64(100), bobBalance["balance"])

	txRecord := getJSON(t, client, server.URL+"/transaction/"+txID)
	assert.Equal(t, "executed", txRecord["status"])
	assert.Equal(t, float64(10), txRecord["fee"])
	require.NotEmpty(t, txRecord["batch_id"])

	batchRecord := getJSON(t, client, server.URL+"/batch/"+txRecord["batch_id"].(string))
	assert.Equal(t, "open", batchRecord["status"])

	// Replaying the same signed transfer must fail on the advanced nonce.
	replayResp := postJSON(t, client, server.URL+"/transaction/transfer", map[string]interface{}{
		"from":      hex.EncodeToString(aliceAddr[:]),
		"to":        hex.EncodeToString(bobAddr[:]),
		"amount":    100,
		"nonce":     1,
		"signature": hex.EncodeToString(transferSig),
	})
	assert.Equal(t, "failed", replayResp["status"])
	assert.Equal(t, "InvalidNonce", replayResp["kind"])

	// The subscription should have seen preconfirmed before executed for the
	// transfer, in FIFO order.
	sawPreconfirmed := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		if !strings.Contains(string(frame.Payload), txID) {
			continue
		}
		if frame.Type == "tx.preconfirmed" {
			sawPreconfirmed = true
		}
		if frame.Type == "tx.executed" {
			assert.True(t, sawPreconfirmed, "executed frame must not precede preconfirmed")
			return
		}
	}
	t.Fatal("never observed the tx.executed frame for the transfer")
}

func createAccountHTTP(t *testing.T, client *http.Client, baseURL string, pub ed25519.PublicKey) ledger.Address {
	t.Helper()
	resp := postJSON(t, client, baseURL+"/account/create", map[string]string{
		"public_key": hex.EncodeToString(pub),
	})
	raw, err := hex.DecodeString(resp["address"].(string))
	require.NoError(t, err)
	var addr ledger.Address
	copy(addr[:], raw)
	return addr
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}) map[string]interface{} {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getJSON(t *testing.T, client *http.Client, url string) map[string]interface{} {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
