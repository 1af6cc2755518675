package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mediagate/internal/servicetoken"
	"mediagate/pkg/domain"
)

type signerFlags struct {
	privateKeyPath string
	keyID          string
	issuer         string
	audience       string
	transport      string
	ttl            time.Duration
}

func (f *signerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.privateKeyPath, "key", "", "path to the frontend RSA private key (PEM)")
	cmd.Flags().StringVar(&f.keyID, "kid", servicetoken.DefaultKeyID, "key id placed in the token header")
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "frontend name, must be in the gate's allowed issuers")
	cmd.Flags().StringVar(&f.audience, "audience", servicetoken.DefaultAudience, "token audience")
	cmd.Flags().StringVar(&f.transport, "transport", "", "transport name recorded in the token")
	cmd.Flags().DurationVar(&f.ttl, "ttl", servicetoken.DefaultTTL, "token lifetime")
}

func (f *signerFlags) sign() (string, error) {
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: f.privateKeyPath,
		KeyID:          f.keyID,
		Issuer:         f.issuer,
		TTL:            f.ttl,
	})
	if err != nil {
		return "", err
	}
	return signer.Sign(f.audience, f.transport)
}

func tokenCmd() *cobra.Command {
	flags := &signerFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a short-lived frontend token",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := flags.sign()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func actionCmd() *cobra.Command {
	flags := &signerFlags{}
	var (
		gateURL string
		userID  int64
		payload string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "action <kind>",
		Short: "Send one action to a running gate and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := domain.Action{
				Kind:    domain.ActionKind(strings.TrimSpace(args[0])),
				UserID:  userID,
				Payload: payload,
			}
			if !action.Kind.Valid() {
				return fmt.Errorf("unknown action kind %q", args[0])
			}
			var token string
			if flags.privateKeyPath != "" {
				var err error
				if token, err = flags.sign(); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return sendAction(ctx, cmd.OutOrStdout(), gateURL, token, action)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&gateURL, "url", "http://localhost:8080", "gate base URL")
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	cmd.Flags().StringVar(&payload, "payload", "", "start payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func sendAction(ctx context.Context, out io.Writer, gateURL, token string, action domain.Action) error {
	body, err := json.Marshal(action)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(gateURL, "/")+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
			_, err = out.Write(respBody)
			return err
		}
		_, err = fmt.Fprintln(out, pretty.String())
		return err
	case http.StatusNoContent:
		_, err = fmt.Fprintln(out, "ignored")
		return err
	default:
		return fmt.Errorf("gate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
