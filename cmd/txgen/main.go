// Command txgen builds a signed CreateUser transaction for an exoneum node.
//
// The signing key is loaded from (or created at) -key. Without -node or -rpc
// the JSON envelope is printed; with -node it is POSTed to the node's
// /v1/transaction endpoint; with -rpc the raw bytes are broadcast through
// Tendermint and the command waits for the block.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/identity"
	"exoneum.core/exc/internal/tendermint"
	"exoneum.core/exc/internal/transactions"
)

const requestTimeout = 30 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		logrus.WithError(err).Fatal("txgen failed")
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("txgen", flag.ContinueOnError)
	keyFile := fs.String("key", "exoneum_key.pem", "Ed25519 key file, created if missing")
	name := fs.String("name", "", "display name of the new user")
	node := fs.String("node", "", "node API base URL, e.g. http://localhost:8080")
	rpc := fs.String("rpc", "", "Tendermint RPC URL, e.g. http://localhost:26657")
	raw := fs.Bool("raw", false, "print the hex-encoded wire bytes instead of the JSON envelope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("-name is required")
	}

	id, err := identity.LoadOrCreateIdentity(*keyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	tx, err := id.CreateUser(*name)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	log := logrus.WithFields(logrus.Fields{
		"public_key": id.PublicKeyHex(),
		"tx_hash":    tx.Hash().String(),
	})

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch {
	case *rpc != "":
		client, err := tendermint.NewBroadcastClient(*rpc)
		if err != nil {
			return err
		}
		res, err := client.BroadcastTxCommit(ctx, tx.Bytes())
		if err != nil {
			return err
		}
		log.WithField("height", res.Height).Info("transaction committed")
		_, err = fmt.Fprintf(stdout, "%s %d\n", tx.Hash(), res.Height)
		return err

	case *node != "":
		hash, err := submit(ctx, *node, tx)
		if err != nil {
			return err
		}
		log.Info("transaction submitted")
		_, err = fmt.Fprintln(stdout, hash)
		return err

	case *raw:
		_, err = fmt.Fprintln(stdout, hex.EncodeToString(tx.Bytes()))
		return err

	default:
		env, err := tx.Envelope()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}
}

// submit POSTs the envelope of tx to the node and returns the reported hash.
func submit(ctx context.Context, baseURL string, tx *transactions.Signed) (string, error) {
	env, err := tx.Envelope()
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(baseURL, "/") + "/v1/transaction"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post transaction: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		TxHash string `json:"tx_hash"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("node rejected transaction (status %d): %s", resp.StatusCode, result.Error)
	}
	return result.TxHash, nil
}
