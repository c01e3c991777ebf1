// Seed populates a running exchange with demo balances and orders so the
// API has data to browse during development.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	tokenDApp  = "SEP1OL"
	tokenMETH  = "mETH"
	tokenMUSDT = "mUSDT"

	alice = "0x3E5e9111Ae8eB78Fe1CC3bb8915d5D461F3Ef9A9"
	bob   = "0x28a8746e75304c0780E011BEd21C72cD78cd535E"
)

func units(n int64) string {
	// 18-decimal base units, matching on-chain token precision.
	return decimal.NewFromInt(n).Shift(18).String()
}

type client struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

func (c *client) token(account string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   account,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *client) do(method, path, account string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	jwtToken, err := c.token(account)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var out map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *client) deposit(account, token string, amount string) error {
	_, err := c.do(http.MethodPost, "/v1/deposits", account, map[string]string{
		"token":  token,
		"amount": amount,
	})
	return err
}

func (c *client) makeOrder(account, tokenGet, amountGet, tokenGive, amountGive string) (int64, error) {
	out, err := c.do(http.MethodPost, "/v1/orders", account, map[string]string{
		"token_get":   tokenGet,
		"amount_get":  amountGet,
		"token_give":  tokenGive,
		"amount_give": amountGive,
	})
	if err != nil {
		return 0, err
	}
	id, ok := out["id"].(float64)
	if !ok {
		return 0, fmt.Errorf("order response missing id: %v", out)
	}
	return int64(id), nil
}

func (c *client) cancelOrder(account string, id int64) error {
	_, err := c.do(http.MethodDelete, fmt.Sprintf("/v1/orders/%d", id), account, nil)
	return err
}

func (c *client) fillOrder(account string, id int64) error {
	_, err := c.do(http.MethodPost, fmt.Sprintf("/v1/orders/%d/fill", id), account, nil)
	return err
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "exchange base URL")
	secret := flag.String("jwt-secret", os.Getenv("EXCHANGE_AUTH_JWT_SECRET"), "JWT signing secret")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "jwt secret required (flag -jwt-secret or EXCHANGE_AUTH_JWT_SECRET)")
		os.Exit(1)
	}

	c := &client{
		baseURL: *baseURL,
		secret:  []byte(*secret),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if err := seed(c); err != nil {
		fmt.Fprintln(os.Stderr, "seed failed:", err)
		os.Exit(1)
	}
	fmt.Println("seed complete")
}

func seed(c *client) error {
	// Fund both demo wallets.
	if err := c.deposit(alice, tokenDApp, units(10000)); err != nil {
		return err
	}
	if err := c.deposit(alice, tokenMUSDT, units(5000)); err != nil {
		return err
	}
	if err := c.deposit(bob, tokenMETH, units(100)); err != nil {
		return err
	}
	if err := c.deposit(bob, tokenDApp, units(2000)); err != nil {
		return err
	}

	// One cancelled order, so the UI has every status to show.
	id, err := c.makeOrder(alice, tokenMETH, units(1), tokenDApp, units(100))
	if err != nil {
		return err
	}
	if err := c.cancelOrder(alice, id); err != nil {
		return err
	}

	// A few filled trades.
	fills := [][4]string{
		{units(1), units(100), tokenMETH, tokenDApp},
		{units(2), units(180), tokenMETH, tokenDApp},
		{units(3), units(250), tokenMETH, tokenDApp},
	}
	for _, f := range fills {
		id, err := c.makeOrder(alice, f[2], f[0], f[3], f[1])
		if err != nil {
			return err
		}
		if err := c.fillOrder(bob, id); err != nil {
			return err
		}
	}

	// An open book on both sides.
	for i := int64(1); i <= 10; i++ {
		if _, err := c.makeOrder(alice, tokenMETH, units(i), tokenDApp, units(10*i)); err != nil {
			return err
		}
		if _, err := c.makeOrder(bob, tokenDApp, units(10*i), tokenMETH, units(i)); err != nil {
			return err
		}
	}
	return nil
}
