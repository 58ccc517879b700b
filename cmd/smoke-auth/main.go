package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"rotor.dev/internal/auth"
	"rotor.dev/internal/rpc"
)

type pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func main() {
	baseURL := envOr("ROTOR_HTTP_URL", "http://localhost:8080")
	grpcAddr := envOr("ROTOR_GRPC_ADDR", "localhost:9090")
	serviceKey := os.Getenv("ROTOR_SERVICE_KEY")
	if serviceKey == "" {
		log.Fatal("ROTOR_SERVICE_KEY is required to issue credentials")
	}
	hc := &http.Client{Timeout: 5 * time.Second}

	first := mustPair(hc, baseURL+"/v1/auth/token", map[string]string{"principal": "smoke-user"}, serviceKey)
	second := mustPair(hc, baseURL+"/v1/auth/token/refresh", map[string]string{"refresh": first.Refresh}, "")

	// Presenting the rotated credential again must be refused and burn the family.
	if code := post(hc, baseURL+"/v1/auth/token/refresh", map[string]string{"refresh": first.Refresh}, "", nil); code != http.StatusUnauthorized {
		log.Fatalf("replay: expected 401, got %d", code)
	}
	if code := post(hc, baseURL+"/v1/auth/token/refresh", map[string]string{"refresh": second.Refresh}, "", nil); code != http.StatusUnauthorized {
		log.Fatalf("successor after replay: expected 401, got %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := rpc.Dial(ctx, grpcAddr)
	cancel()
	if err != nil {
		log.Fatalf("dial authd at %s: %v", grpcAddr, err)
	}
	defer client.Close()

	ctxOp, cancelOp := rpc.WithTimeout(context.Background(), 5*time.Second)
	defer cancelOp()

	principal, err := client.ResolvePrincipal(ctxOp, second.Access)
	if err != nil {
		log.Fatalf("resolve principal: %v", err)
	}
	if principal != "smoke-user" {
		log.Fatalf("unexpected principal %q", principal)
	}
	if _, err := client.VerifyCredential(ctxOp, second.Refresh, auth.KindRenewal); !errors.Is(err, auth.ErrRevoked) {
		log.Fatalf("expected revoked renewal credential, got %v", err)
	}

	fmt.Printf("✅ authd smoke test passed: principal=%s\n", principal)
}

func mustPair(hc *http.Client, url string, body map[string]string, serviceKey string) pair {
	var p pair
	if code := post(hc, url, body, serviceKey, &p); code != http.StatusOK {
		log.Fatalf("POST %s: status %d", url, code)
	}
	if p.Access == "" || p.Refresh == "" {
		log.Fatalf("POST %s: empty pair", url)
	}
	return p
}

func post(hc *http.Client, url string, body map[string]string, serviceKey string, out any) int {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if serviceKey != "" {
		req.Header.Set("X-Service-Key", serviceKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
