package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatlink/common/signing"
	"github.com/telhawk-systems/threatlink/internal/client"
)

type webhookFlags struct {
	url       string
	file      string
	secret    string
	algorithm string
	header    string
	token     string
}

func (f *webhookFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "webhook URL")
	cmd.Flags().StringVar(&f.secret, "secret", "", "HMAC secret; signs the body when set")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", signing.SHA256, "HMAC algorithm: sha1, sha256, sha512")
	cmd.Flags().StringVar(&f.header, "signature-header", "", "signature header (default X-Threatlink-Signature)")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for the Authorization header")
}

func (f *webhookFlags) request(body []byte) (client.WebhookRequest, error) {
	wr := client.WebhookRequest{URL: f.url, Body: body, SignatureHeader: f.header}
	if f.secret != "" {
		s, err := signing.NewSigner(f.algorithm, f.secret)
		if err != nil {
			return wr, err
		}
		wr.Signer = s
	}
	if f.token != "" {
		wr.Headers = map[string]string{"Authorization": "Bearer " + f.token}
	}
	return wr, nil
}

func newWebhookCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Deliver payloads to a threatlink webhook",
	}

	f := &webhookFlags{}
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a JSON payload from a file or stdin",
		Example: `  threatlink webhook send --url http://localhost:8090/webhooks/crowdstrike \
    --secret s3cret --file detection.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := g.printer(cmd)
			if err != nil {
				return err
			}
			body, err := readPayload(cmd, f.file)
			if err != nil {
				return err
			}
			wr, err := f.request(body)
			if err != nil {
				return err
			}
			status, res, err := g.client().SendWebhook(cmd.Context(), wr)
			if err != nil {
				return err
			}
			if p.Structured() {
				if err := p.Value(res, nil); err != nil {
					return err
				}
			} else if res.Success {
				p.Success("%d alerts accepted (%s)", res.AlertsProcessed, res.SourceType)
			}
			if status != http.StatusOK || !res.Success {
				return fmt.Errorf("webhook rejected payload (%d %s): %s", status, res.Kind, res.Message)
			}
			return nil
		},
	}
	f.register(send)
	_ = send.MarkFlagRequired("url")
	send.Flags().StringVarP(&f.file, "file", "f", "-", "payload file, - for stdin")

	cmd.AddCommand(send)
	return cmd
}

func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if path == "" || path == "-" {
		body, err = io.ReadAll(cmd.InOrStdin())
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty payload")
	}
	return body, nil
}
