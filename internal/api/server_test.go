package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tokenhub/internal/config"
	"tokenhub/internal/dashboard"
	"tokenhub/pkg/chain/base"
	"tokenhub/pkg/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var (
	registry = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	wallet   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

// tokenChain is a fake node with one factory and two tokens.
type tokenChain struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	fail     bool
}

func (c *tokenChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to == registry {
		if c.fail {
			return nil, errors.New("connection refused")
		}
		m, err := contracts.TokenFactoryABI.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack([]common.Address{tokenA, tokenB})
	}

	m, err := contracts.ERC20ABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "symbol":
		if to == tokenA {
			return m.Outputs.Pack("AAA")
		}
		return m.Outputs.Pack("BBB")
	case "decimals":
		return m.Outputs.Pack(uint8(6))
	case "totalSupply":
		if to == tokenA {
			return m.Outputs.Pack(big.NewInt(5_000_000))
		}
		return m.Outputs.Pack(big.NewInt(9_000_000))
	case "balanceOf":
		args, err := m.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		if args[0].(common.Address) == wallet {
			return m.Outputs.Pack(c.balances[to])
		}
		return m.Outputs.Pack(new(big.Int))
	}
	return nil, errors.New("execution reverted")
}

func (c *tokenChain) BatchCallContract(ctx context.Context, calls []base.ContractCall) ([]base.CallResult, error) {
	return nil, errors.New("not supported")
}

func strPtr(s string) *string { return &s }

func int32Ptr(n int32) *int32 { return &n }

func newTestServer(t *testing.T) (*httptest.Server, *dashboard.Hub, *tokenChain) {
	t.Helper()

	chain := &tokenChain{balances: map[common.Address]*big.Int{
		tokenA: big.NewInt(1_500_000),
		tokenB: big.NewInt(250_000),
	}}

	hub, err := dashboard.NewHub([]config.DashboardConfig{{
		Name:        "tokens",
		Registry:    registry.Hex(),
		InstanceABI: "erc20",
		Resolver: config.ResolverConfig{
			Kind:   config.ResolverList,
			ABI:    "token_factory",
			Method: "getAllTokens",
		},
		Fields: []config.FieldConfig{
			{Name: "symbol", Method: "symbol", Mandatory: true},
			{Name: "decimals", Method: "decimals", Fallback: strPtr("18")},
			{Name: "supply", Method: "totalSupply", Decimals: int32Ptr(6)},
			{Name: "balance", Method: "balanceOf", Args: []string{"$account"}, DecimalsFrom: "decimals"},
		},
	}}, chain, dashboard.Options{CallTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, hub.Mount(context.Background()))

	srv := httptest.NewServer(NewServer(hub).Handler())
	t.Cleanup(srv.Close)
	return srv, hub, chain
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/health", "", &body))
	require.Equal(t, "ok", body["status"])
}

func TestListAndGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var list []DashboardView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards", "", &list))
	require.Len(t, list, 1)
	require.Equal(t, "tokens", list[0].Name)
	require.Equal(t, 2, list[0].Succeeded)
	require.Len(t, list[0].Columns, 4)

	var view DashboardView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards/tokens", "", &view))
	require.Len(t, view.Records, 2)
	require.Equal(t, tokenA.Hex(), view.Records[0].Address)

	supply := view.Records[0].Fields["supply"]
	require.Equal(t, "integer", supply.Kind)
	require.Equal(t, "5000000", supply.Value)
	require.Equal(t, "5", supply.Display)

	// No wallet yet: balance falls back and carries the reason.
	balance := view.Records[0].Fields["balance"]
	require.Equal(t, "0", balance.Value)
	require.Equal(t, dashboard.ErrNoAccount.Error(), balance.Error)

	var errBody map[string]string
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards/nope", "", &errBody))
	require.Contains(t, errBody["error"], "nope")
}

func TestGetSorted(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var view DashboardView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards/tokens?sort=supply", "", &view))
	require.Equal(t, tokenB.Hex(), view.Records[0].Address)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards/tokens?sort=supply&order=asc", "", &view))
	require.Equal(t, tokenA.Hex(), view.Records[0].Address)

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, srv.URL+"/api/dashboards/tokens?order=up", "", nil))
}

// TestSetInputsBindsAccount verifies connecting a wallet reloads per-user fields.
func TestSetInputsBindsAccount(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var resp refreshResponse
	body := `{"account":"` + wallet.Hex() + `"}`
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, srv.URL+"/api/dashboards/tokens/inputs", body, &resp))
	require.True(t, resp.Applied)
	require.Equal(t, wallet.Hex(), resp.Dashboard.Inputs.Account)

	balance := resp.Dashboard.Records[0].Fields["balance"]
	require.Equal(t, "1500000", balance.Value)
	require.Equal(t, "1.5", balance.Display)
	require.Empty(t, balance.Error)

	// Same inputs again: nothing reloads.
	resp = refreshResponse{}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, srv.URL+"/api/dashboards/tokens/inputs", body, &resp))
	require.False(t, resp.Applied)

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/dashboards/tokens/inputs", `{"account":"0x12"}`, nil))
	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, srv.URL+"/api/dashboards/tokens/inputs", `{`, nil))
}

// TestRefreshFailureKeepsRecords verifies a failed refresh reports the error
// while the previous records stay visible.
func TestRefreshFailureKeepsRecords(t *testing.T) {
	srv, _, chain := newTestServer(t)

	chain.mu.Lock()
	chain.fail = true
	chain.mu.Unlock()

	var resp refreshResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, srv.URL+"/api/dashboards/tokens/refresh", "", &resp))
	require.Contains(t, resp.Error, "connection refused")
	require.Len(t, resp.Dashboard.Records, 2)
	require.NotEmpty(t, resp.Dashboard.LastError)
}

func TestHideAndUnhide(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := srv.URL + "/api/dashboards/tokens/hidden/" + tokenA.Hex()

	var view DashboardView
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, url, "", &view))
	require.Len(t, view.Records, 1)
	require.Equal(t, tokenB.Hex(), view.Records[0].Address)
	require.Equal(t, []string{tokenA.Hex()}, view.Hidden)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodDelete, url, "", &view))
	require.Len(t, view.Records, 2)
	require.Empty(t, view.Hidden)

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, srv.URL+"/api/dashboards/tokens/hidden/zzz", "", nil))
}

// TestWebSocketPushesChanges verifies subscribers get the view on connect and after a refresh.
func TestWebSocketPushesChanges(t *testing.T) {
	srv, hub, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/dashboards/tokens"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first DashboardView
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "tokens", first.Name)
	require.Len(t, first.Records, 2)

	d, _ := hub.Get("tokens")
	require.NoError(t, d.State().Hide(context.Background(), tokenB))

	var next DashboardView
	require.NoError(t, conn.ReadJSON(&next))
	require.Equal(t, []string{tokenB.Hex()}, next.Hidden)
}
