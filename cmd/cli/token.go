package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"fosterline/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagSubject  string
	flagRole     string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for API authentication during testing
// and operations work.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		secret := cfg.JWT.Secret
		if secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}

		now := time.Now()
		payload := map[string]interface{}{
			"iat": now.Unix(),
		}
		if flagSubject != "" {
			payload["sub"] = flagSubject
		}
		if flagRole != "" {
			payload["role"] = flagRole
		}
		if !flagNoExpiry {
			ttl := flagTTLMin
			if ttl <= 0 {
				ttl = 60
			}
			payload["exp"] = now.Add(time.Duration(ttl) * time.Minute).Unix()
		}

		token, err := signHS256(payload, secret)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "cli", "subject claim")
	tokenCmd.Flags().StringVar(&flagRole, "role", "admin", "role claim")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token lifetime in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-expiry", false, "omit the exp claim")
	rootCmd.AddCommand(tokenCmd)
}

func signHS256(payload map[string]interface{}, secret string) (string, error) {
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
