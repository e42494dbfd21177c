// issue-token mints a signed bearer token for exercising the API locally.
//
// Usage:
//   API_SECRET=... go run ./cmd/issue-token --business-id <uuid> --user-id 101 --role Admin
//
// TOKEN_HOUR_LIFESPAN controls expiry (defaults to 24 here).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/stocktake_backend/utils"
)

func main() {
	userID := flag.Int("user-id", 1, "Optional: user id to embed in the token")
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	role := flag.String("role", "Operator", "Optional: role claim (Admin unlocks manual resolution)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if os.Getenv("TOKEN_HOUR_LIFESPAN") == "" {
		os.Setenv("TOKEN_HOUR_LIFESPAN", "24")
	}

	token, err := utils.JwtGenerate(*userID, *businessID, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
