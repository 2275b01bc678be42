package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/crypto/clientcrypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/keyring"
	"github.com/and161185/keyhierarchy/internal/model"
	grpcserver "github.com/and161185/keyhierarchy/internal/server/grpc"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	prev := home
	home = ""
	t.Cleanup(func() { home = prev })
	return filepath.Join(dir, "keyctl")
}

func cheapKDF(t *testing.T) {
	t.Helper()
	prev := clientcrypto.DefaultKDF
	clientcrypto.DefaultKDF = clientcrypto.KDFParams{Time: 1, Memory: 1024, Threads: 1}
	t.Cleanup(func() { clientcrypto.DefaultKDF = prev })
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	return root.Execute()
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
	home = "/tmp/explicit"
	if cfgDir() != "/tmp/explicit" {
		t.Fatalf("--home must win over XDG_CONFIG_HOME")
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	c := model.Caller{UserID: uuid.Must(uuid.NewV4()), SessionID: uuid.Must(uuid.NewV4())}
	key := []byte("k")
	tok, err := grpcserver.IssueToken(key, c, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := saveToken(tok); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	got, err := loadToken()
	if err != nil || got != tok {
		t.Fatalf("loadToken: tok=%q err=%v", got, err)
	}
	who, err := tokenCaller(got)
	if err != nil || who != c {
		t.Fatalf("tokenCaller: %+v %v", who, err)
	}

	old, err := grpcserver.IssueToken(key, c, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := saveToken(old); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
	if err := saveToken("not-a-jwt"); err == nil {
		t.Fatalf("garbage token must be rejected")
	}
}

func Test_tokenCmd_Mint(t *testing.T) {
	_ = withTmpConfig(t)
	user := uuid.Must(uuid.NewV4())
	sess := uuid.Must(uuid.NewV4())

	if err := run(t, "token", "--jwt-key", "dev", "--user", user.String(), "--session", sess.String()); err != nil {
		t.Fatalf("token: %v", err)
	}
	tok, err := loadToken()
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	c, err := grpcserver.ParseToken([]byte("dev"), tok)
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if c.UserID != user || c.SessionID != sess {
		t.Fatalf("caller=%+v", c)
	}
	if err := run(t, "token", "--jwt-key", "dev", "--user", "nope"); err == nil {
		t.Fatalf("bad user id must fail")
	}
	if err := run(t, "token"); err == nil {
		t.Fatalf("token without a source must fail")
	}
}

func Test_keyringCommands(t *testing.T) {
	base := withTmpConfig(t)
	cheapKDF(t)

	kr, err := keyring.Enroll(crypto.NewForge(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()))
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := keyring.Save(nil, base, []byte("pw"), kr); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := run(t, "fingerprint"); err == nil {
		t.Fatalf("fingerprint without passphrase must fail")
	}
	if err := run(t, "fingerprint", "-p", "pw"); err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := run(t, "enroll", "-p", "pw"); err == nil || !strings.Contains(err.Error(), "already") {
		t.Fatalf("enroll over an existing keyring: %v", err)
	}
	if err := run(t, "passwd", "-p", "pw", "--new", "pw2"); err != nil {
		t.Fatalf("passwd: %v", err)
	}
	if _, err := keyring.Load(base, []byte("pw")); !errors.Is(err, clientcrypto.ErrBadPassphrase) {
		t.Fatalf("old passphrase still opens the keyring: %v", err)
	}
	got, err := keyring.Load(base, []byte("pw2"))
	if err != nil || got.Master.HashHex != kr.Master.HashHex {
		t.Fatalf("Load after passwd: %v", err)
	}
}

func Test_enroll_NeedsToken(t *testing.T) {
	_ = withTmpConfig(t)
	passphrase = ""
	if _, err := loadKeyring(); err == nil {
		t.Fatalf("loadKeyring without passphrase must fail")
	}
	err := run(t, "enroll", "-p", "pw")
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("enroll without token: %v", err)
	}
	if _, err := keyring.Load(cfgDir(), []byte("pw")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("failed enroll must not write a keyring: %v", err)
	}
}

func Test_pinMaster_RejectsChangedMaster(t *testing.T) {
	_ = withTmpConfig(t)
	bob := uuid.Must(uuid.NewV4())

	if err := pinMaster(bob, "aa"); err != nil {
		t.Fatalf("first pin: %v", err)
	}
	if err := pinMaster(bob, "aa"); err != nil {
		t.Fatalf("same master again: %v", err)
	}
	if err := pinMaster(bob, "bb"); !errors.Is(err, errs.ErrSignatureInvalid) {
		t.Fatalf("swapped master: want ErrSignatureInvalid, got %v", err)
	}
	if err := pinMaster(uuid.Must(uuid.NewV4()), "bb"); err != nil {
		t.Fatalf("other user: %v", err)
	}
}

func Test_rootCmd_Wiring(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"version"}, {"token"}, {"enroll"}, {"fingerprint"}, {"passwd"},
		{"migrate", "request"}, {"migrate", "accept"},
		{"account", "share"}, {"account", "receive"}, {"account", "pending"},
		{"room-key"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not wired: %v", path, err)
		}
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "from-stdin"); _ = w.Close() }()
	b, err = readAll("-")
	if err != nil || string(b) != "from-stdin" {
		t.Fatalf("readAll(stdin): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n  ")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}

	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}

	if _, err := loadTLS(filepath.Join(t.TempDir(), "missing.pem"), false); err == nil {
		t.Fatalf("missing CA file should error")
	}
}
