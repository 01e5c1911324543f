// Command vaultctl manages signer keys and produces owner-signed withdrawal
// requests for the vault API.
//
//	vaultctl keygen
//	vaultctl address -key 0x...
//	vaultctl sign -key 0x... -destination 0x... -shares 100 -min-assets 99 -number 1 [-ttl 1h]
//
// sign reads the signing domain from the same VLT_* environment as vaultd and
// prints a JSON body for POST /v1/redemptions.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-vault/internal/api"
	"github.com/leafsii/leafsii-vault/internal/config"
	"github.com/leafsii/leafsii-vault/internal/onchain"
	"github.com/leafsii/leafsii-vault/internal/withdrawal"
)

const usage = `Usage: vaultctl COMMAND [flags]

Commands:
  keygen    generate a signer key
  address   print the address of -key
  sign      sign a withdrawal request`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New(usage)
	}

	switch args[0] {
	case "keygen":
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]string{
			"key":     "0x" + hex.EncodeToString(priv.Serialize()),
			"address": onchain.KeyAddress(priv).Hex(),
		})
	case "address":
		flags := flag.NewFlagSet("address", flag.ContinueOnError)
		key := flags.String("key", os.Getenv("VLT_SIGNER_KEY"), "hex secp256k1 private key")
		if err := flags.Parse(args[1:]); err != nil {
			return err
		}
		priv, err := onchain.PrivateKeyFromHex(*key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, onchain.KeyAddress(priv).Hex())
		return err
	case "sign":
		params, err := parseSignFlags(args[1:])
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		domain, err := cfg.Domain()
		if err != nil {
			return err
		}
		body, err := signRedeem(domain, params, time.Now())
		if err != nil {
			return err
		}
		return writeJSON(out, body)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

type signParams struct {
	key         string
	destination string
	shares      string
	minAssets   string
	number      string
	ttl         time.Duration
}

func parseSignFlags(args []string) (signParams, error) {
	var p signParams
	flags := flag.NewFlagSet("sign", flag.ContinueOnError)
	flags.StringVar(&p.key, "key", os.Getenv("VLT_SIGNER_KEY"), "hex secp256k1 private key of the share owner")
	flags.StringVar(&p.destination, "destination", "", "address receiving the redeemed value")
	flags.StringVar(&p.shares, "shares", "", "shares to redeem, base units")
	flags.StringVar(&p.minAssets, "min-assets", "0", "minimum acceptable value out, base units")
	flags.StringVar(&p.number, "number", "", "authorization number, single use")
	flags.DurationVar(&p.ttl, "ttl", time.Hour, "how long the signature stays valid")
	if err := flags.Parse(args); err != nil {
		return signParams{}, err
	}
	return p, nil
}

func signRedeem(domain withdrawal.Domain, p signParams, now time.Time) (api.RedeemRequest, error) {
	if p.shares == "" || p.number == "" {
		return api.RedeemRequest{}, errors.New("-shares and -number are required")
	}
	priv, err := onchain.PrivateKeyFromHex(p.key)
	if err != nil {
		return api.RedeemRequest{}, err
	}
	destination, err := onchain.ParseAddress(p.destination)
	if err != nil {
		return api.RedeemRequest{}, fmt.Errorf("destination: %w", err)
	}
	shares, err := uint256.FromDecimal(p.shares)
	if err != nil {
		return api.RedeemRequest{}, fmt.Errorf("shares: %w", err)
	}
	minAssets, err := uint256.FromDecimal(p.minAssets)
	if err != nil {
		return api.RedeemRequest{}, fmt.Errorf("min-assets: %w", err)
	}
	number, err := uint256.FromDecimal(p.number)
	if err != nil {
		return api.RedeemRequest{}, fmt.Errorf("number: %w", err)
	}
	if p.ttl <= 0 {
		return api.RedeemRequest{}, fmt.Errorf("ttl must be positive")
	}

	req := withdrawal.Request{
		Owner:       onchain.KeyAddress(priv),
		Destination: destination,
		Shares:      shares,
		MinAssets:   minAssets,
		Number:      number,
		Deadline:    uint64(now.Add(p.ttl).Unix()),
	}
	sig := domain.Sign(priv, req)

	return api.RedeemRequest{
		Owner:               req.Owner.Hex(),
		Destination:         destination.Hex(),
		Shares:              shares.Dec(),
		MinAssets:           minAssets.Dec(),
		AuthorizationNumber: number.Dec(),
		Deadline:            req.Deadline,
		Signature:           "0x" + hex.EncodeToString(sig),
	}, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
