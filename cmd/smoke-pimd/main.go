package main

import (
	"context"
	"log"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/rpc"
)

// smoke-pimd checks a running daemon end to end without signing in: gRPC
// health, then the read-only broker actions that need no token.
func main() {
	addr := os.Getenv("PIM_GRPC_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8788"
	}

	client, err := rpc.Dial(addr, []rpc.ClientOption{rpc.WithCallTimeout(5 * time.Second)})
	if err != nil {
		log.Fatalf("dial pimd at %s: %v", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := healthpb.NewHealthClient(client.Conn()).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("health: %s", health.GetStatus())
	}

	for _, action := range []string{
		broker.ActionGetAuthStatus,
		broker.ActionGetNotificationStatus,
		broker.ActionGetLanguage,
	} {
		resp, err := client.Dispatch(ctx, broker.Request{Action: action})
		if err != nil {
			log.Fatalf("%s: %v", action, err)
		}
		if !resp.Success {
			log.Fatalf("%s: %s", action, resp.Error)
		}
		log.Printf("%s ok", action)
	}

	resp, err := client.Dispatch(ctx, broker.Request{Action: "noSuchAction"})
	if err != nil {
		log.Fatalf("unknown action: %v", err)
	}
	if resp.Success || resp.Error != "Unknown action" {
		log.Fatalf("unknown action not rejected: %+v", resp)
	}

	log.Printf("smoke OK: %s", addr)
}
