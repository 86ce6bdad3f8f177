// Command apikey generates a tenant API key offline.
// Prints the key to hand out and the row values to store for the tenant.
package main

import (
	"fmt"
	"os"

	"github.com/nkiryanov/machinepay/internal/service/auth"
)

func main() {
	key, err := auth.GenerateKey()
	if err != nil {
		fmt.Printf("error while generating api key: %v", err)
		os.Exit(1)
	}

	hash, err := auth.BcryptHasher{}.Hash(key.Secret)
	if err != nil {
		fmt.Printf("error while hashing api key: %v", err)
		os.Exit(1)
	}

	fmt.Printf("api_key=%s\napi_key_id=%s\napi_key_hash=%s\n", key, key.ID, hash)
}
