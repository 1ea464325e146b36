// Command circuit-keygen manages operator keystores and mints RPC tokens.
package main

import (
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v5"

	"circuit/cmd/internal/passphrase"
	"circuit/crypto"
)

const (
	passphraseEnv = "CIRCUIT_KEYSTORE_PASSPHRASE"
	jwtSecretEnv  = "CIRCUIT_RPC_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "new":
		err = runNew(os.Args[2:])
	case "show":
		err = runShow(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: circuit-keygen <new|show|token> [flags]")
}

func runNew(args []string) error {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	out := fs.String("out", "./operator.keystore", "Keystore file to create")
	force := fs.Bool("force", false, "Overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass -force to overwrite", *out)
	}
	pass, err := passphrase.NewConfirmedSource(passphraseEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return err
	}
	fmt.Printf("keystore: %s\n", *out)
	return describe(key)
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	in := fs.String("keystore", "./operator.keystore", "Keystore file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := load(*in)
	if err != nil {
		return err
	}
	return describe(key)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	in := fs.String("keystore", "", "Keystore whose account becomes the token subject")
	subject := fs.String("sub", "", "Explicit subject (account hex or bech32)")
	root := fs.Bool("root", false, "Grant the root scope")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := strings.TrimSpace(os.Getenv(jwtSecretEnv))
	if secret == "" {
		return fmt.Errorf("%s must be set", jwtSecretEnv)
	}
	sub := strings.TrimSpace(*subject)
	if *in != "" {
		key, err := load(*in)
		if err != nil {
			return err
		}
		sub = crypto.AccountFromPubKey(key.CompressedPubKey()).Hex()
	}
	if sub == "" && !*root {
		return errors.New("token needs -keystore, -sub or -root")
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if *root {
		claims["scope"] = "root"
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

func load(path string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

// describe prints the account and the three attester public keys.
func describe(key *crypto.PrivateKey) error {
	ec := key.CompressedPubKey()
	account := crypto.AccountFromPubKey(ec)
	bech, err := crypto.EncodeAccount(crypto.AccountPrefix, account)
	if err != nil {
		return err
	}
	ed := key.Ed25519().Public()
	edPub, ok := ed.(ed25519.PublicKey)
	if !ok {
		return errors.New("unexpected ed25519 public key type")
	}
	sr := key.Sr25519Public()
	fmt.Printf("account: %s\n", account.Hex())
	fmt.Printf("bech32:  %s\n", bech)
	fmt.Printf("keyEc:   %s\n", hexutil.Encode(ec[:]))
	fmt.Printf("keyEd:   %s\n", hexutil.Encode(edPub))
	fmt.Printf("keySr:   %s\n", hexutil.Encode(sr[:]))
	return nil
}
