package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/creditops/internal/cryptopay"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/punchamoorthee/creditops/internal/payload"
	"github.com/shopspring/decimal"
)

// Replay settings
var (
	targetURL string
	token     string
	admin     string
	userID    int64
	amount    string
	invoiceID int64
	copies    int
	invoices  int
)

// Metrics
var (
	totalRequests uint64
	accepted200   uint64
	retry503      uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&token, "token", os.Getenv("CRYPTOPAY_TOKEN"), "Crypto Pay token used to sign deliveries")
	flag.StringVar(&admin, "admin-token", os.Getenv("ADMIN_TOKEN"), "Bearer token for the account API")
	flag.Int64Var(&userID, "user", 1, "User to credit")
	flag.StringVar(&amount, "amount", "100", "Invoice amount")
	flag.Int64Var(&invoiceID, "invoice", time.Now().Unix(), "First invoice id")
	flag.IntVar(&copies, "copies", 20, "Concurrent deliveries per invoice")
	flag.IntVar(&invoices, "invoices", 1, "Distinct invoices to deliver")
}

func main() {
	flag.Parse()

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		log.Fatalf("bad amount: %v", err)
	}
	raw, err := payload.Encode(domain.KindCryptoInvoice, userID, amt)
	if err != nil {
		log.Fatal(err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	before, err := balance(client)
	if err != nil {
		log.Fatalf("read balance: %v", err)
	}

	log.Printf("Replaying %d invoice(s) x %d deliveries for user %d", invoices, copies, userID)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < invoices; i++ {
		body, err := json.Marshal(map[string]any{
			"invoice_id": invoiceID + int64(i),
			"status":     cryptopay.StatusPaid,
			"payload":    raw,
			"amount":     amt.String(),
		})
		if err != nil {
			log.Fatal(err)
		}
		signature := hex.EncodeToString(cryptopay.Sign(body, token))

		wg.Add(copies)
		for c := 0; c < copies; c++ {
			go deliver(&wg, client, body, signature)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	after, err := balance(client)
	if err != nil {
		log.Fatalf("read balance: %v", err)
	}
	expected := amt.Mul(decimal.NewFromInt(int64(invoices)))
	printResults(elapsed, after.Sub(before), expected)
}

func deliver(wg *sync.WaitGroup, client *http.Client, body []byte, signature string) {
	defer wg.Done()

	req, _ := http.NewRequest("POST", targetURL+"/webhooks/cryptopay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cryptopay.SignatureHeader, signature)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&accepted200, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&retry503, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func balance(client *http.Client) (decimal.Decimal, error) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/v1/accounts/%d", targetURL, userID), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Authorization", "Bearer "+admin)

	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, nil
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var acct domain.Account
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

func printResults(d time.Duration, credited, expected decimal.Decimal) {
	results := map[string]interface{}{
		"duration_sec":     d.Seconds(),
		"total_requests":   atomic.LoadUint64(&totalRequests),
		"accepted":         atomic.LoadUint64(&accepted200),
		"retry_later":      atomic.LoadUint64(&retry503),
		"errors":           atomic.LoadUint64(&failOther),
		"balance_delta":    credited.String(),
		"expected_delta":   expected.String(),
		"exactly_once_met": credited.Equal(expected),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	if !credited.Equal(expected) {
		os.Exit(1)
	}
}
