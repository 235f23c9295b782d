package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hoistsec/hoist/token"
)

var tokenPublicKey string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and verify elevation tokens",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Decode a token without verifying its signature",
	Long: `Decode an elevation token and print its claims. The signature is
NOT checked; use "token verify" before trusting the contents.`,
	Args: cobra.ExactArgs(1),
	RunE: runTokenInspect,
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a token's signature and expiry",
	Example: `  hoist token verify $TOKEN --public-key "$(cat signing.pub)"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runTokenVerify,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenVerifyCmd.Flags().StringVar(&tokenPublicKey, "public-key", "", "Base64 ed25519 public key")
	_ = tokenVerifyCmd.MarkFlagRequired("public-key")
}

func runTokenInspect(cmd *cobra.Command, args []string) error {
	tok, _, err := token.DecodeWire(args[0])
	if err != nil {
		return fmt.Errorf("cannot decode token: %w", err)
	}

	out, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if tok.ExpiredAt(time.Now()) {
		fmt.Fprintf(os.Stderr, "\nwarning: token expired at %s\n", tok.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runTokenVerify(cmd *cobra.Command, args []string) error {
	tok, payload, err := token.DecodeWire(args[0])
	if err != nil {
		return fmt.Errorf("cannot decode token: %w", err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(tokenPublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(keyBytes))
	}

	if !ed25519.Verify(ed25519.PublicKey(keyBytes), payload, tok.Signature) {
		return fmt.Errorf("signature verification failed")
	}
	if tok.ExpiredAt(time.Now()) {
		return fmt.Errorf("token expired at %s", tok.ExpiresAt.Format(time.RFC3339))
	}

	fmt.Printf("Token OK\n")
	fmt.Printf("  id:       %s\n", tok.ID)
	fmt.Printf("  subject:  %s/%s\n", tok.Subject.TenantID, tok.Subject.UserID)
	fmt.Printf("  hook:     %s\n", tok.Context.HookType)
	fmt.Printf("  scopes:   %v\n", tok.GrantedScopes)
	fmt.Printf("  expires:  %s\n", tok.ExpiresAt.Format(time.RFC3339))
	return nil
}
