// Package main is a development utility for generating an API key with its
// hash and masked form pre-computed. It prints the key ID, the raw key, the
// stored hash, and a ready-to-run SQL INSERT so developers can seed a usable
// key in a local database without running the full login flow. Do not use
// generated keys in production; register them through the API instead.
package main

import (
	"fmt"
	"log"

	"github.com/protein-classifier/protein-classifier/internal/auth"
)

func main() {
	keyID, plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("API Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nKey ID:     %s\n", keyID)
	fmt.Printf("Full Key:   %s\n", plaintext)
	fmt.Printf("Hash:       %s\n", hash)
	fmt.Printf("Masked:     %s\n", auth.MaskAPIKey(plaintext))
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO api_keys (id, account_id, name, tier, secret_hash, masked_key, status, created_at)
VALUES ('%s',
        (SELECT id FROM accounts WHERE email = 'demo@localhost'),
        'dev', 'free', '%s', '%s', 'active', now());
`, keyID, hash, auth.MaskAPIKey(plaintext))
	fmt.Println("\n==========================================================")
	fmt.Printf("Header: X-API-Key: %s\n", plaintext)
	fmt.Println("==========================================================")
}
