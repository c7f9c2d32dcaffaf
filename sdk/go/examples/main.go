package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"Survival-Chain/sdk/go/survival"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "survivald 地址")
	username := flag.String("user", "", "控制者用户名，认证关闭时留空")
	password := flag.String("password", "", "控制者密码")
	flag.Parse()

	client, err := survival.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *username != "" {
		if _, err := client.Authenticate(ctx, *username, *password); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	}

	alpha, err := client.CreateGenesis(ctx, survival.Genesis{
		Name:         "Alpha",
		SystemPrompt: "You are a cautious trader. Stay solvent.",
	})
	if err != nil {
		log.Fatalf("create genesis: %v", err)
	}
	fmt.Printf("created %s (%s) with balance %s, dies at %s\n", alpha.Name, alpha.ID, alpha.CryptoBalance, alpha.DiesAt.Format(time.RFC3339))

	req, err := client.SubmitRequest(ctx, survival.RequestSubmission{
		AgentID: alpha.ID,
		Type:    "replicate",
		Title:   "Spawn a helper",
		Payload: map[string]any{"childCryptoGrant": "0.25", "childName": "Beta"},
	})
	if err != nil {
		log.Fatalf("submit request: %v", err)
	}
	if req.Status == "pending" {
		if req, err = client.ResolveRequest(ctx, req.ID, "approved", "Go ahead"); err != nil {
			log.Fatalf("resolve request: %v", err)
		}
	}
	fmt.Printf("request %s resolved as %s by %s\n", req.ID, req.Status, req.ResolvedBy)

	children, err := client.Children(ctx, alpha.ID)
	if err != nil {
		log.Fatalf("list children: %v", err)
	}
	for _, child := range children {
		fmt.Printf("child %s gen=%d status=%s balance=%s\n", child.Name, child.Generation, child.Status, child.CryptoBalance)
	}

	doc, err := client.Context(ctx, alpha.ID)
	if err != nil {
		log.Fatalf("context: %v", err)
	}
	fmt.Println(doc)
}
