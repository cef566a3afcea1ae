package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"github.com/RCasatta/pay2email/internal/bolt11"
	"github.com/RCasatta/pay2email/internal/encfield"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pay2email",
		Short:         "pay2email tools: service keys, encrypted fields, invoices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newKeygenCmd(), newEncryptCmd(), newDecryptCmd(), newInspectCmd())
	return root
}

// ─── keygen ───────────────────────────────────────────────────────────────────

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a service key for AGE_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := age.GenerateX25519Identity()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# created: %s\n", time.Now().UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "# public key: %s\n", id.Recipient())
			fmt.Fprintln(out, id)
			return nil
		},
	}
}

// ─── encrypt ──────────────────────────────────────────────────────────────────

func newEncryptCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "encrypt [text]",
		Short: "Seal a field value (recipient list, subject, reply-to) for a service key",
		Long: `Encrypt a value for the to_enc, subject_enc or reply_to_enc field.
The text is read from the argument or, when absent, from standard input.
The service recipient is published at GET /pubkey.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" {
				recipient = os.Getenv("PAY2EMAIL_RECIPIENT")
			}
			if recipient == "" {
				return errors.New("--recipient or PAY2EMAIL_RECIPIENT is required")
			}
			r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
			if err != nil {
				return fmt.Errorf("recipient: %w", err)
			}

			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			enc, err := encfield.Encrypt(r, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
	cmd.Flags().StringVarP(&recipient, "recipient", "r", "", "service age recipient (age1...)")
	return cmd
}

// ─── decrypt ──────────────────────────────────────────────────────────────────

func newDecryptCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "decrypt [text]",
		Short: "Open an encrypted field value with the service key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				identity = os.Getenv("AGE_SECRET_KEY")
			}
			if identity == "" {
				return errors.New("--identity or AGE_SECRET_KEY is required")
			}
			id, err := encfield.ParseIdentity(identity)
			if err != nil {
				return err
			}

			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			plain, err := encfield.New(id).Decode(text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "service secret key (AGE-SECRET-KEY-1...)")
	return cmd
}

// ─── inspect ──────────────────────────────────────────────────────────────────

type invoiceInfo struct {
	Network     string    `json:"network"`
	PaymentHash string    `json:"payment_hash"`
	AmountMsat  uint64    `json:"amount_msat,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
	Description string    `json:"description,omitempty"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [bolt11]",
		Short: "Decode a BOLT11 invoice and print the fields pay2email uses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			inv, err := bolt11.Decode(text)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(invoiceInfo{
				Network:     inv.Network,
				PaymentHash: inv.PaymentHashHex(),
				AmountMsat:  inv.AmountMsat,
				CreatedAt:   inv.Timestamp.UTC(),
				ExpiresAt:   inv.ExpiresAt().UTC(),
				Expired:     !inv.ExpiresAt().After(time.Now()),
				Description: inv.Description,
			})
		},
	}
}

// argOrStdin returns the single positional argument or all of stdin, trimmed.
func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", errors.New("no input")
	}
	return text, nil
}
