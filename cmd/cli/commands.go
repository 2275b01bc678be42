package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/keyring"
	"github.com/and161185/keyhierarchy/internal/model"
	grpcserver "github.com/and161185/keyhierarchy/internal/server/grpc"
	"github.com/and161185/keyhierarchy/internal/service"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyctl %s (%s)\n", version, buildDate)
		},
	}
}

// tokenCmd stores a bearer token. With --jwt-key it mints one locally, which
// only makes sense against a dev server sharing that key.
func tokenCmd() *cobra.Command {
	var (
		tokFile string
		jwtKey  string
		user    string
		session string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Save the session token this device authenticates with",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jwtKey != "" {
				c := model.Caller{SessionID: uuid.Must(uuid.NewV4())}
				var err error
				if c.UserID, err = uuid.FromString(user); err != nil {
					return fmt.Errorf("--user: %w", err)
				}
				if session != "" {
					if c.SessionID, err = uuid.FromString(session); err != nil {
						return fmt.Errorf("--session: %w", err)
					}
				}
				tok, err := grpcserver.IssueToken([]byte(jwtKey), c, time.Now().UTC(), ttl)
				if err != nil {
					return err
				}
				if err := saveToken(tok); err != nil {
					return err
				}
				fmt.Printf("session %s\n", c.SessionID)
				return nil
			}
			if tokFile == "" {
				return errors.New("need --file or --jwt-key")
			}
			b, err := readAll(tokFile)
			if err != nil {
				return err
			}
			return saveToken(string(b))
		},
	}
	cmd.Flags().StringVar(&tokFile, "file", "", "token file ('-'=stdin)")
	cmd.Flags().StringVar(&jwtKey, "jwt-key", "", "mint a token with this HS256 key (dev)")
	cmd.Flags().StringVar(&user, "user", "", "user id for a minted token")
	cmd.Flags().StringVar(&session, "session", "", "session id for a minted token (default random)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "minted token TTL")
	return cmd
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll",
		Short: "Create the key hierarchy on the first device of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadKeyring(); err == nil {
				return errors.New("this device already holds a keyring")
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			kr, err := keyring.Enroll(crypto.NewForge(), s.caller.UserID, s.caller.SessionID)
			if err != nil {
				return err
			}
			if _, err := s.cl.RegisterSession(ctx, true); err != nil {
				return err
			}
			if err := publish(ctx, s, kr, nil); err != nil {
				return err
			}
			if err := saveKeyring(kr); err != nil {
				return err
			}
			printFingerprints(kr)
			return nil
		},
	}
}

// publish sends the public keys of kr, limited to kinds when non-empty.
func publish(ctx context.Context, s *session, kr *keyring.Keyring, kinds map[model.KeyKind]bool) error {
	pubs, err := kr.Public()
	if err != nil {
		return err
	}
	for _, p := range pubs {
		if kinds != nil && !kinds[p.Kind] {
			continue
		}
		if _, err := s.cl.PublishKey(ctx, p.Kind, p.Body); err != nil {
			return fmt.Errorf("publish %s: %w", p.Kind, err)
		}
	}
	return nil
}

func printFingerprints(kr *keyring.Keyring) {
	fmt.Printf("user      %s\n", kr.UserID)
	fmt.Printf("session   %s\n", kr.SessionID)
	fmt.Printf("master    %s\n", kr.Master.HashHex)
	fmt.Printf("identity  %s (expires %s)\n", kr.Identity.HashHex, crypto.ISO(kr.Identity.Expiry))
	fmt.Printf("account   %s\n", kr.Account.HashHex)
	fmt.Printf("device    %s\n", kr.Device.HashHex)
	if kr.Share != nil {
		fmt.Printf("share     %s (expires %s)\n", kr.Share.HashHex, crypto.ISO(kr.Share.Expiry))
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprints of this device's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := loadKeyring()
			if err != nil {
				return err
			}
			printFingerprints(kr)
			return nil
		},
	}
}

func passwdCmd() *cobra.Command {
	var newPass string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the passphrase of the local keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" || newPass == "" {
				return errors.New("need -p and --new")
			}
			return keyring.ChangePassphrase(nil, cfgDir(), []byte(passphrase), []byte(newPass))
		},
	}
	cmd.Flags().StringVar(&newPass, "new", "", "new passphrase")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Move the key material to a new device"}
	cmd.AddCommand(migrateRequestCmd(), migrateAcceptCmd())
	return cmd
}

// migrateRequestCmd runs on the new device and blocks until the export arrives.
func migrateRequestCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask an enrolled device for the key material (run on the new device)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errors.New("passphrase required (-p)")
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			f := crypto.NewForge()
			if _, err := s.cl.RegisterSession(ctx, false); err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
				return err
			}
			mk, err := keyring.NewMigrationRequest(f)
			if err != nil {
				return err
			}
			m, err := s.cl.RequestMigration(ctx, mk.MigrateKeyPub)
			if err != nil {
				return err
			}
			fmt.Printf("migration %s\nkey       %s\nwaiting for an enrolled device to accept...\n", m.ID, mk.HashHex)

			sent, err := s.cl.WaitMigration(ctx, m.ID, model.MigrationSent, every)
			if err != nil {
				return err
			}
			exp, err := keyring.OpenExport(sent, mk)
			if err != nil {
				return err
			}
			kr, err := keyring.IssueDeviceKeys(f, exp, s.caller.SessionID)
			if err != nil {
				return err
			}
			wctx, cancel := withTimeout(ctx)
			defer cancel()
			if err := publish(wctx, s, kr, map[model.KeyKind]bool{model.KindIdentity: true, model.KindDevice: true}); err != nil {
				return err
			}
			if err := saveKeyring(kr); err != nil {
				return err
			}
			if err := s.cl.CompleteMigration(wctx, m.ID); err != nil {
				return err
			}
			printFingerprints(kr)
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "poll", 2*time.Second, "poll interval")
	return cmd
}

func migrateAcceptCmd() *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "accept <migration-id>",
		Short: "Send the key material to a new device (run on an enrolled device)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("migration id: %w", err)
			}
			kr, err := loadKeyring()
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			f := crypto.NewForge()
			sk, err := keyring.PrepareAccept(f)
			if err != nil {
				return err
			}
			m, err := s.cl.AcceptMigration(ctx, id, sk.MigrateDataSignKeyPub)
			if err != nil {
				return err
			}
			if expect != "" && m.MigrateKey.HashHex != expect {
				return fmt.Errorf("%w: new device key %s, expected %s", errs.ErrSignatureInvalid, m.MigrateKey.HashHex, expect)
			}
			data, err := keyring.SealExport(f.Envelope(), sk, &m.MigrateKey, kr.Export(f.Now()))
			if err != nil {
				return err
			}
			if _, err := s.cl.SendMigrationData(ctx, id, data); err != nil {
				return err
			}
			fmt.Printf("sent to %s\n", m.RequesterSession)
			return nil
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "fingerprint the new device printed")
	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Distribute the account key between devices"}

	share := &cobra.Command{
		Use:   "share",
		Short: "Seal the account key to every device still waiting for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := loadKeyring()
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			waiting, err := s.cl.AwaitingShare(ctx)
			if err != nil {
				return err
			}
			recs, err := s.cl.FindKeys(ctx, model.KeyQuery{Owner: kr.UserID, Kind: model.KindDevice}, time.Time{})
			if err != nil {
				return err
			}
			devices := map[uuid.UUID]*model.DeviceKeyPub{}
			for _, r := range recs {
				d := new(model.DeviceKeyPub)
				if err := json.Unmarshal(r.Body, d); err != nil {
					return err
				}
				if _, seen := devices[d.SessionID]; !seen {
					devices[d.SessionID] = d
				}
			}
			ak := service.NewAccountKeys(s.cl, crypto.NewForge().Envelope(), nil, nil)
			for _, sid := range waiting {
				d, ok := devices[sid]
				if !ok {
					fmt.Printf("%s  no device key published yet\n", sid)
					continue
				}
				if err := ak.ShareTo(ctx, kr.UserID, kr.Account, &kr.Master.MasterKeyPub, d); err != nil {
					return fmt.Errorf("share to %s: %w", sid, err)
				}
				fmt.Printf("%s  shared\n", sid)
			}
			return nil
		},
	}

	receive := &cobra.Command{
		Use:   "receive",
		Short: "Open the account key share addressed to this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := loadKeyring()
			if err != nil {
				return err
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			master := &kr.Master.MasterKeyPub
			pub, issuer, err := s.cl.AccountKey(ctx, kr.UserID, master)
			if err != nil {
				return err
			}
			key, err := service.NewAccountKeys(s.cl, nil, nil, nil).Receive(ctx, kr.UserID, kr.Device, master, issuer, *pub)
			if err != nil {
				return err
			}
			kr.Account = key
			if err := saveKeyring(kr); err != nil {
				return err
			}
			fmt.Printf("account   %s\n", key.HashHex)
			return nil
		},
	}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List sessions that have a share but have not fetched it yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			ids, err := service.NewAccountKeys(s.cl, nil, nil, nil).Pending(ctx, s.caller.UserID)
			if err != nil {
				return err
			}
			printJSON(ids)
			return nil
		},
	}

	cmd.AddCommand(share, receive, pending)
	return cmd
}

func roomCmd() *cobra.Command {
	var (
		roomID  string
		direct  bool
		members []string
	)
	cmd := &cobra.Command{
		Use:   "room-key",
		Short: "Issue or reuse this device's room key for a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			kr, err := loadKeyring()
			if err != nil {
				return err
			}
			room := model.Room{Type: model.RoomGroup}
			if direct {
				room.Type = model.RoomDirect
			}
			if room.ID, err = uuid.FromString(roomID); err != nil {
				return fmt.Errorf("--room: %w", err)
			}
			s, err := dial()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			var rcpt []service.Recipient
			for _, m := range append([]string{kr.UserID.String()}, members...) {
				id, err := uuid.FromString(m)
				if err != nil {
					return fmt.Errorf("member %q: %w", m, err)
				}
				master := &kr.Master.MasterKeyPub
				if id != kr.UserID {
					if master, err = s.cl.Master(ctx, id); err != nil {
						return fmt.Errorf("master key of %s: %w", id, err)
					}
					if err := pinMaster(id, master.HashHex); err != nil {
						return err
					}
				}
				pub, issuer, err := s.cl.AccountKey(ctx, id, master)
				if err != nil {
					return fmt.Errorf("account key of %s: %w", id, err)
				}
				room.Participants = append(room.Participants, id)
				rcpt = append(rcpt, service.Recipient{UserID: id, Master: master, Issuer: issuer, AccountKey: pub})
			}
			res, err := service.NewRoomKeyManager(s.cl, crypto.NewForge()).IssueOrReuse(ctx, room, kr.Identity, rcpt)
			if err != nil {
				return err
			}
			state := "issued"
			if res.Reused {
				state = "reused"
			}
			fmt.Fprintf(os.Stdout, "%s %s (expires %s)\n", state, res.Record.Key.HashHex, crypto.ISO(res.Record.Key.Expiry))
			return nil
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id")
	cmd.Flags().BoolVar(&direct, "direct", false, "one-to-one room")
	cmd.Flags().StringSliceVar(&members, "member", nil, "other participant user ids")
	return cmd
}
