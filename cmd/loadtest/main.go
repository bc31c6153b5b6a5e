package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"marketplace/internal/middleware"

	"github.com/ethereum/go-ethereum/common"
)

// Result is the outcome of one request, aggregated by printSummary.
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	secret := flag.String("jwt-secret", "dev-jwt-secret", "secret the server verifies tokens with")
	adminHex := flag.String("admin", "", "admin address (must hold the admin role)")
	price := flag.Int64("price", 1000, "sale price of the product under test")

	// double-sell test: many buyers race for one product
	nUsers := flag.Int("users", 200, "distinct buyers")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	if !common.IsHexAddress(*adminHex) {
		panic("-admin must be a hex address")
	}
	admin := common.HexToAddress(*adminHex)
	client := &http.Client{Timeout: 5 * time.Second}
	adminToken := mustToken(*secret, admin)

	// list one sale-only product
	var added struct {
		Data struct {
			ID uint64 `json:"id"`
		} `json:"data"`
	}
	if err := doJSON(client, http.MethodPost, *baseURL+"/api/products", adminToken, map[string]any{
		"name": "loadtest item", "price": *price, "is_for_sale": true,
	}, &added); err != nil {
		panic(fmt.Sprintf("add product failed: %v", err))
	}
	productID := added.Data.ID
	fmt.Println("listed product", productID)

	buyers := make([]common.Address, *nUsers)
	for i := range buyers {
		buyers[i] = randomAddress()
		url := fmt.Sprintf("%s/api/accounts/%s/deposit", *baseURL, buyers[i].Hex())
		if err := doJSON(client, http.MethodPost, url, adminToken, map[string]any{"amount": *price}, nil); err != nil {
			panic(fmt.Sprintf("deposit failed: %v", err))
		}
	}

	// 1) double sell: concurrent buyers, exactly one may succeed
	fmt.Printf("start double-sell test: product=%d buyers=%d concurrency=%d\n", productID, *nUsers, *concurrency)
	results := run(len(buyers), *concurrency, func(i int) Result {
		return buyOnce(client, *baseURL, productID, mustToken(*secret, buyers[i]), *price)
	})
	printSummary("double_sell", results)

	// 2) rate limit: one buyer resubmits, expect 429s
	fmt.Println("\nstart rate limit test: same buyer, 50 requests, concurrency 50")
	same := mustToken(*secret, buyers[0])
	results2 := run(50, 50, func(int) Result {
		return buyOnce(client, *baseURL, productID, same, *price)
	})
	printSummary("rate_limit", results2)
}

func run(total, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}

	wg.Wait()
	return results
}

func buyOnce(client *http.Client, baseURL string, productID uint64, token string, value int64) Result {
	b, _ := json.Marshal(map[string]any{"value": value})
	url := fmt.Sprintf("%s/api/products/%d/buy", baseURL, productID)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary prints the status code distribution.
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 402, 404, 409, 423, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
	if count[200] > 1 {
		fmt.Printf("  !! product sold %d times\n", count[200])
	}
}

// doJSON sends a JSON request and decodes the response into out when non-nil.
func doJSON(client *http.Client, method, url, token string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if out != nil {
		return json.Unmarshal(b, out)
	}
	return nil
}

func mustToken(secret string, account common.Address) string {
	t, err := middleware.IssueToken([]byte(secret), account, time.Hour)
	if err != nil {
		panic(err)
	}
	return t
}

func randomAddress() common.Address {
	var b [common.AddressLength]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return common.BytesToAddress(b[:])
}
