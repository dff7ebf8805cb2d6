// Command gen-token signs HS256 tokens accepted by board-api in test auth mode.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type tokenOptions struct {
	secret   string
	audience string
	issuer   string
	ttl      time.Duration
}

func signToken(opts tokenOptions, userID string, now time.Time) (string, error) {
	if opts.secret == "" {
		return "", errors.New("TEST_JWT_SECRET must be set")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(opts.ttl).Unix(),
	}
	if opts.audience != "" {
		claims["aud"] = opts.audience
	}
	if opts.issuer != "" {
		claims["iss"] = opts.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(opts.secret))
}

func userIDs(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func newRootCmd() *cobra.Command {
	var (
		opts   tokenOptions
		count  int
		prefix string
		start  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "gen-token [user-id]",
		Short: "Generate test mode JWTs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("count must be at least 1")
			}
			if start < 1 {
				return errors.New("start index must be at least 1")
			}
			if len(args) > 0 && count > 1 {
				return errors.New("explicit user ID cannot be provided when generating multiple tokens")
			}
			if opts.secret == "" {
				opts.secret = os.Getenv("TEST_JWT_SECRET")
			}
			now := time.Now()
			var tokens []string
			for _, id := range userIDs(count, prefix, start, args) {
				tok, err := signToken(opts, id, now)
				if err != nil {
					return err
				}
				tokens = append(tokens, tok)
			}
			if output != "" {
				if err := writeTokens(output, tokens); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&count, "count", 1, "number of tokens to generate")
	f.StringVar(&prefix, "prefix", "perf-user", "prefix for generated user IDs when count > 1")
	f.IntVar(&start, "start", 1, "starting index for generated user IDs when count > 1")
	f.StringVar(&output, "output", "", "file to write generated tokens as a JSON array")
	f.StringVar(&opts.secret, "secret", "", "signing secret, defaults to TEST_JWT_SECRET")
	f.StringVar(&opts.audience, "audience", os.Getenv("AUTH0_AUDIENCE"), "aud claim")
	f.StringVar(&opts.issuer, "issuer", "", "iss claim")
	f.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
