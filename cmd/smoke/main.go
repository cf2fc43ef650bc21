// Command smoke checks a running deployment: gRPC health, HTTP liveness and
// readiness, and optionally an authenticated admin call.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

func main() {
	log.SetFlags(0)
	var (
		grpcAddr = pflag.String("grpc", envOr("ORGPASS_SMOKE_GRPC", "localhost:9090"), "gRPC address")
		httpBase = pflag.String("http", envOr("ORGPASS_SMOKE_HTTP", "http://localhost:8080"), "HTTP base URL")
		timeout  = pflag.Duration("timeout", 5*time.Second, "overall timeout")
	)
	pflag.Parse()
	token := os.Getenv("ORGPASS_SMOKE_TOKEN")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", *grpcAddr, err)
	}
	defer conn.Close()

	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "orgpass.v1"})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health: %v", hc.GetStatus())
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		if _, err := getJSON(ctx, *httpBase+path, ""); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}

	if token != "" {
		stats, err := getJSON(ctx, *httpBase+"/v1/credentials/stats", token)
		if err != nil {
			log.Fatalf("credential stats: %v", err)
		}
		fmt.Printf("credentials: total=%v active=%v used=%v\n", stats["total"], stats["active"], stats["used"])
	}
	fmt.Println("smoke test passed")
}

func getJSON(ctx context.Context, url, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
