package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

var (
	flagServerURL string
	flagAuthToken string
	flagEventType string
	flagEntityID  string
	flagFields    []string
)

// emitCmd posts a domain event to a running engine, for exercising
// automations end to end from the command line.
var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit a domain event to a running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := map[string]interface{}{}
		for _, kv := range flagFields {
			if i := strings.IndexByte(kv, '='); i > 0 {
				fields[kv[:i]] = kv[i+1:]
			}
		}

		body, err := json.Marshal(map[string]interface{}{
			"id":            uuid.NewString(),
			"type":          flagEventType,
			"entity_id":     flagEntityID,
			"entity_fields": fields,
		})
		if err != nil {
			return err
		}

		client := retryablehttp.NewClient()
		client.RetryMax = 2
		client.Logger = nil

		req, err := retryablehttp.NewRequest(http.MethodPost, flagServerURL+"/api/events", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if flagAuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+flagAuthToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		fmt.Printf("%s %s\n", resp.Status, out)
		return nil
	},
}

func init() {
	emitCmd.Flags().StringVar(&flagServerURL, "server", "http://localhost:8080", "engine base URL")
	emitCmd.Flags().StringVar(&flagAuthToken, "auth", "", "bearer token (see: fosterline token)")
	emitCmd.Flags().StringVar(&flagEventType, "type", "contact_created", "event type")
	emitCmd.Flags().StringVar(&flagEntityID, "entity", "", "entity id")
	emitCmd.Flags().StringSliceVar(&flagFields, "field", nil, "entity field as key=value (repeatable)")
	rootCmd.AddCommand(emitCmd)
}
