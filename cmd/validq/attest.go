package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/osvaldoandrade/validq/internal/attestation"
	"github.com/osvaldoandrade/validq/pkg/domain"
)

func submitCmd(conn connector, profileName *string, ui *ui) *cobra.Command {
	var (
		score       int
		detailsURI  string
		evidence    string
		proofB64    string
		attest      bool
		measurement string
		keyFile     string
	)
	cmd := &cobra.Command{
		Use:     "submit <hash>",
		Short:   "Submit a validation response",
		Example: "validq submit 0x<hash> --score 95 --attest --measurement 0x.. --key-file ~/.validq/attestor.key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if score < 0 || score > 100 {
				return errors.New("--score must be between 0 and 100")
			}
			path, err := validationPath(args[0], "")
			if err != nil {
				return err
			}
			c, err := conn()
			if err != nil {
				return err
			}

			body := map[string]any{"score": score}
			if detailsURI != "" {
				body["detailsUri"] = detailsURI
			}
			if evidence != "" {
				body["evidence"] = evidence
			}
			switch {
			case proofB64 != "":
				raw, err := base64.StdEncoding.DecodeString(proofB64)
				if err != nil {
					return fmt.Errorf("--proof must be base64: %w", err)
				}
				body["proof"] = raw
			case attest:
				prof := activeProfile(*profileName)
				m, err := domain.ParseHash(firstNonEmpty(measurement, prof.Measurement))
				if err != nil {
					return fmt.Errorf("--measurement: %w", err)
				}
				key, err := loadKey(firstNonEmpty(keyFile, prof.KeyFile))
				if err != nil {
					return err
				}
				var rec domain.ValidationRecord
				if err := withSpinner("Fetching request...", func() error {
					return c.call("GET", path, nil, &rec)
				}); err != nil {
					return err
				}
				body["proof"] = buildProof(key, m, rec.Request, time.Now())
			}

			var rec domain.ValidationRecord
			if err := withSpinner("Submitting response...", func() error {
				return c.call("POST", path+"/responses", body, &rec)
			}); err != nil {
				return err
			}
			fmt.Printf("%s Response accepted (%s)\n", ui.ok("[OK]"), statusColor(ui, rec.Request.Status))
			if s := rec.Settlement; s != nil {
				fmt.Printf("%s Paid %d to %s\n", ui.info("•"), s.ValidatorAmount, s.Validator)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&score, "score", -1, "Score 0-100")
	cmd.Flags().StringVar(&detailsURI, "details-uri", "", "URI of the validation report")
	cmd.Flags().StringVar(&evidence, "evidence", "", "Inline evidence stored by the server")
	cmd.Flags().StringVar(&proofB64, "proof", "", "Pre-built attestation proof (base64)")
	cmd.Flags().BoolVar(&attest, "attest", false, "Build and sign a TEE attestation locally")
	cmd.Flags().StringVar(&measurement, "measurement", "", "Enclave measurement (0x hash)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Attestor private key file (prompted when empty)")
	return cmd
}

func attestCmd(profileName *string, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Attestor key and proof tools",
	}

	var out string
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an attestor key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := attestation.GenerateKey()
			if err != nil {
				return err
			}
			encoded := hex.EncodeToString(key.Serialize())
			addr := attestation.AddressOf(key.PubKey())
			if out == "" {
				fmt.Printf("%s Address:     %s\n", ui.ok("[OK]"), addr)
				fmt.Printf("%s Private key: %s\n", ui.warn("[!!]"), encoded)
				return nil
			}
			if err := os.WriteFile(out, []byte(encoded+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Printf("%s Key for %s written to %s\n", ui.ok("[OK]"), addr, out)
			return nil
		},
	}
	keygen.Flags().StringVar(&out, "out", "", "Write the private key to this file (0600)")

	var (
		measurement string
		task        string
		output      string
		request     string
		keyFile     string
	)
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Sign an attestation proof for a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			prof := activeProfile(*profileName)
			var hashes [4]domain.Hash
			for i, v := range []string{firstNonEmpty(measurement, prof.Measurement), task, output, request} {
				h, err := domain.ParseHash(v)
				if err != nil {
					return fmt.Errorf("--%s: %w", []string{"measurement", "task", "output", "request"}[i], err)
				}
				hashes[i] = h
			}
			key, err := loadKey(firstNonEmpty(keyFile, prof.KeyFile))
			if err != nil {
				return err
			}
			proof := buildProof(key, hashes[0], domain.ValidationRequest{
				Hash:       hashes[3],
				TaskHash:   hashes[1],
				OutputHash: hashes[2],
			}, time.Now())
			fmt.Println(base64.StdEncoding.EncodeToString(proof))
			return nil
		},
	}
	sign.Flags().StringVar(&measurement, "measurement", "", "Enclave measurement (0x hash)")
	sign.Flags().StringVar(&task, "task", "", "Task hash")
	sign.Flags().StringVar(&output, "output", "", "Output hash")
	sign.Flags().StringVar(&request, "request", "", "Request hash")
	sign.Flags().StringVar(&keyFile, "key-file", "", "Attestor private key file (prompted when empty)")

	cmd.AddCommand(keygen, sign)
	return cmd
}

// buildProof signs the request binding at the given time and returns the wire encoding.
func buildProof(key *secp256k1.PrivateKey, measurement domain.Hash, req domain.ValidationRequest, at time.Time) []byte {
	return attestation.Attest(key, measurement, req.TaskHash, req.OutputHash, req.Hash, uint64(at.Unix())).Encode()
}

func loadKey(path string) (*secp256k1.PrivateKey, error) {
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return attestation.ParsePrivateKey(string(data))
	}
	secret, err := promptSecret("Attestor private key (hex)")
	if err != nil {
		return nil, err
	}
	return attestation.ParsePrivateKey(secret)
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}
