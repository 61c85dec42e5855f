// Command ipnfire signs a synthetic gateway IPN and posts it to a
// running server, for poking the webhook path end to end without the
// real gateway.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/gateway"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (for the IPN secret)")
	target := flag.String("target", "http://localhost:8080/webhook", "webhook URL to post to")
	paymentID := flag.String("payment", "", "payment id of the deposit to settle")
	status := flag.String("status", "finished", "payment_status to report")
	currency := flag.String("currency", "sol", "pay_currency to report")
	amount := flag.Float64("amount", 0, "pay_amount and actually_paid")
	orderID := flag.String("order", "", "order_id to echo")
	flag.Parse()

	if *paymentID == "" {
		log.Fatalf("-payment is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.IPNSecret == "" {
		log.Fatalf("gateway ipn_secret is not configured; the server would reject unsigned posts")
	}

	body, err := json.Marshal(map[string]any{
		"payment_id":     *paymentID,
		"payment_status": *status,
		"order_id":       *orderID,
		"pay_currency":   *currency,
		"pay_amount":     *amount,
		"actually_paid":  *amount,
	})
	if err != nil {
		log.Fatalf("marshal ipn: %v", err)
	}
	sig, err := gateway.SignIPN(body, cfg.Gateway.IPNSecret)
	if err != nil {
		log.Fatalf("sign ipn: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, *target, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, sig)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post ipn: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("%s %s -> %d\n%s\n", *status, *paymentID, resp.StatusCode, respBody)
}
