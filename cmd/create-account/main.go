package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/service"
	"mockmail/backend/internal/storage/postgres"
)

// create-account 在配置的数据库中创建账户并打印一次性 API Key
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: create-account <email> [name]")
		os.Exit(1)
	}
	email := os.Args[1]
	name := ""
	if len(os.Args) >= 3 {
		name = os.Args[2]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("MOCKMAIL_DATABASE_TYPE is not set; accounts in memory storage do not outlive the process")
		os.Exit(1)
	}

	store, err := postgres.Open(cfg.Database)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	account, key, err := service.NewAccountService(store).CreateAccount(ctx, email, name)
	if err != nil {
		fmt.Printf("Failed to create account: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Account created successfully!\n")
	fmt.Printf("  ID:      %s\n", account.ID)
	fmt.Printf("  Email:   %s\n", account.Email)
	fmt.Printf("  API Key: %s\n", key)
	fmt.Println("\nStore the API key now; only its hash is kept in the database.")
}
