// Package message encrypts and signs chat payloads under a room key and
// verifies them on receipt.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/keyhierarchy/internal/crypto"
	"github.com/and161185/keyhierarchy/internal/errs"
	"github.com/and161185/keyhierarchy/internal/model"
)

// ErrUnreadable wraps every receive-side failure. The underlying sentinel is
// still reachable with errors.Is for logging and metrics.
var ErrUnreadable = errors.New("message unreadable")

// DefaultMaxSkew bounds how far in the future a message timestamp may be.
const DefaultMaxSkew = 5 * time.Minute

// Codec produces and consumes message envelopes.
type Codec struct {
	env     *crypto.Envelope
	clock   crypto.Clock
	maxSkew time.Duration
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the clock (default crypto.SystemClock).
func WithClock(c crypto.Clock) Option {
	return func(cd *Codec) { cd.clock = c }
}

// WithMaxSkew overrides DefaultMaxSkew.
func WithMaxSkew(d time.Duration) Option {
	return func(cd *Codec) { cd.maxSkew = d }
}

// NewCodec constructs a Codec sealing with env. A nil env uses crypto/rand.
func NewCodec(env *crypto.Envelope, opts ...Option) *Codec {
	if env == nil {
		env = crypto.NewEnvelope(nil)
	}
	c := &Codec{env: env, clock: crypto.SystemClock{}, maxSkew: DefaultMaxSkew}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Millisecond)
}

// signedValue is the canonical form of MessageValue that gets signed.
type signedValue struct {
	Data      model.EncryptedDataRoomKey `json:"data"`
	Timestamp string                     `json:"timestamp"`
}

func canonical(v model.MessageValue) ([]byte, error) {
	return json.Marshal(signedValue{Data: v.Data, Timestamp: crypto.ISO(v.Timestamp)})
}

// Encrypt seals plaintext under roomKey and signs it with the sender's identity key.
// Both keys must be inside their validity windows now.
func (c *Codec) Encrypt(roomKey *model.RoomKey, identity *model.IdentityKey, plaintext []byte) (model.Message, error) {
	now := c.now()
	if err := crypto.CheckWindow(now, roomKey.Timestamp, roomKey.Expiry); err != nil {
		return model.Message{}, fmt.Errorf("room key: %w", err)
	}
	if err := crypto.CheckWindow(now, identity.Timestamp, identity.Expiry); err != nil {
		return model.Message{}, fmt.Errorf("identity key: %w", err)
	}
	data, err := c.env.SealWithRoomKey(roomKey, plaintext)
	if err != nil {
		return model.Message{}, err
	}
	value := model.MessageValue{Data: data, Timestamp: now}
	payload, err := canonical(value)
	if err != nil {
		return model.Message{}, err
	}
	sig, err := crypto.Sign(identity, payload)
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{Value: value, Signature: sig}, nil
}

// VerifyAndDecrypt checks the room key and sender windows, the message
// timestamp, and the sender signature, then opens the payload. Every failure
// wraps ErrUnreadable.
func (c *Codec) VerifyAndDecrypt(roomKey *model.RoomKey, sender *model.IdentityKeyPub, msg model.Message) ([]byte, error) {
	pt, err := c.verifyAndDecrypt(roomKey, sender, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return pt, nil
}

func (c *Codec) verifyAndDecrypt(roomKey *model.RoomKey, sender *model.IdentityKeyPub, msg model.Message) ([]byte, error) {
	now := c.now()
	if err := crypto.CheckWindow(now, roomKey.Timestamp, roomKey.Expiry); err != nil {
		return nil, err
	}
	if err := crypto.CheckWindow(now, sender.Timestamp, sender.Expiry); err != nil {
		return nil, err
	}
	ts := msg.Value.Timestamp
	if ts.Before(roomKey.Timestamp) || !ts.Before(roomKey.Expiry) {
		return nil, fmt.Errorf("%w: timestamp %s outside room key window", errs.ErrReplayOrClockSkew, crypto.ISO(ts))
	}
	if ts.After(now.Add(c.maxSkew)) {
		return nil, fmt.Errorf("%w: timestamp %s ahead of clock", errs.ErrReplayOrClockSkew, crypto.ISO(ts))
	}
	payload, err := canonical(msg.Value)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(sender, payload, msg.Signature) {
		return nil, errs.ErrSignatureInvalid
	}
	return crypto.OpenWithRoomKey(roomKey, msg.Value.Data)
}
