// Command keyctl is the device-side CLI of the key hierarchy service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/keyhierarchy/internal/client"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/keyring"
	"github.com/and161185/keyhierarchy/internal/model"
	grpcserver "github.com/and161185/keyhierarchy/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// global flags
var (
	home       string
	passphrase string
	addr       string
	caPath     string
	insecure   bool
	plaintext  bool
	timeout    time.Duration
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if home != "" {
		return home
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "keyctl")
	}
	dir, _ := os.UserHomeDir()
	return filepath.Join(dir, ".config", "keyctl")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string) error {
	var claims grpcserver.SessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	exp := time.Now().Add(15 * time.Minute)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run `keyctl token` first)")
	}
	return tf.AccessToken, nil
}

// tokenCaller reads user and session from the saved token. The server
// verifies the token; the device only needs to know who it is.
func tokenCaller(tok string) (model.Caller, error) {
	var claims grpcserver.SessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return model.Caller{}, err
	}
	user, err := uuid.FromString(claims.Subject)
	if err != nil {
		return model.Caller{}, fmt.Errorf("token subject: %w", err)
	}
	sess, err := uuid.FromString(claims.SessionID)
	if err != nil {
		return model.Caller{}, fmt.Errorf("token session: %w", err)
	}
	return model.Caller{UserID: user, SessionID: sess}, nil
}

// ---- master key pins ----

func pinsPath() string { return filepath.Join(cfgDir(), "pins.json") }

// pinMaster remembers the first master key seen for user and rejects any
// later different one. Compare the pin with the owner's `keyctl fingerprint`
// out of band.
func pinMaster(user uuid.UUID, hash string) error {
	pins := map[string]string{}
	b, err := os.ReadFile(pinsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &pins); err != nil {
			return fmt.Errorf("pins: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if prev, ok := pins[user.String()]; ok {
		if prev != hash {
			return fmt.Errorf("%w: master key of %s changed from %s to %s", errs.ErrSignatureInvalid, user, prev, hash)
		}
		return nil
	}
	pins[user.String()] = hash
	fmt.Fprintf(os.Stderr, "pinned master %s for %s\n", hash, user)
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pins, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(pinsPath(), out, 0o600)
}

// ---- grpc dial ----

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// session is everything a command needs to act as this device.
type session struct {
	caller model.Caller
	cl     *client.Client
	conn   *grpc.ClientConn
}

func (s *session) Close() { _ = s.conn.Close() }

func dial() (*session, error) {
	tok, err := loadToken()
	if err != nil {
		return nil, err
	}
	c, err := tokenCaller(tok)
	if err != nil {
		return nil, err
	}
	creds := grpcinsecure.NewCredentials()
	if !plaintext {
		if creds, err = loadTLS(caPath, insecure); err != nil {
			return nil, err
		}
	}
	cl, conn, err := client.Dial(addr, tok, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	return &session{caller: c, cl: cl, conn: conn}, nil
}

func loadKeyring() (*keyring.Keyring, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase required (-p)")
	}
	return keyring.Load(cfgDir(), []byte(passphrase))
}

func saveKeyring(kr *keyring.Keyring) error {
	if passphrase == "" {
		return errors.New("passphrase required (-p)")
	}
	return keyring.Save(nil, cfgDir(), []byte(passphrase), kr)
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keyctl",
		Short:         "Manage this device's keys in the key hierarchy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&home, "home", "", "config dir (default $XDG_CONFIG_HOME/keyctl)")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local keyring")
	pf.StringVar(&addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&plaintext, "plaintext", false, "no TLS at all (dev)")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "per-command timeout")

	root.AddCommand(
		versionCmd(),
		tokenCmd(),
		enrollCmd(),
		fingerprintCmd(),
		passwdCmd(),
		migrateCmd(),
		accountCmd(),
		roomCmd(),
	)
	return root
}

// main runs the command tree.
func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
