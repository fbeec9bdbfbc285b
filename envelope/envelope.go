// Package envelope resolves inbound nostr events into plaintext direct
// messages and builds encrypted replies under the same scheme.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ashwden/nostrgate/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Event kinds handled by the resolver.
const (
	KindDirectMessage = 4    // NIP-04 container, content may be NIP-44 or NIP-04 encrypted
	KindSeal          = 13   // NIP-59 seal
	KindChatMessage   = 14   // NIP-59 rumor carrying the plaintext
	KindGiftWrap      = 1059 // NIP-59 outer wrap
)

// Scheme identifies the encryption envelope an event was resolved under.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeNIP44          // preferred, authenticated
	SchemeNIP04          // legacy fallback
	SchemeGiftWrap       // NIP-59 wrapped envelope
)

func (s Scheme) String() string {
	switch s {
	case SchemeNIP44:
		return "nip44"
	case SchemeNIP04:
		return "nip04"
	case SchemeGiftWrap:
		return "giftwrap"
	}
	return "unknown"
}

var (
	ErrNoIdentity    = errors.New("envelope: no usable identity key")
	ErrUnwrapFailed  = errors.New("envelope: gift wrap unwrap failed")
	ErrDecryptFailed = errors.New("envelope: decryption failed under all schemes")
)

// Decrypted is the result of resolving an inbound event.
type Decrypted struct {
	// Source is the event as delivered by the relay (the outer wrap for
	// gift-wrapped messages).
	Source *nostr.Event
	// Plaintext is the recovered message body. For SchemeUnknown it holds a
	// placeholder describing the unrecognized kind.
	Plaintext string
	Scheme    Scheme
	// Sender is the effective author: the inner rumor's pubkey for wrapped
	// events, the event pubkey otherwise. All allow-listing, cooldown and
	// conversation tracking keys off this value.
	Sender string
}

// Resolver decrypts inbound events against a single identity key.
type Resolver struct {
	secretKey string
	publicKey string
}

// NewResolver derives the identity from a hex secret key.
func NewResolver(secretKey string) (*Resolver, error) {
	if secretKey == "" {
		return nil, ErrNoIdentity
	}
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	return &Resolver{secretKey: secretKey, publicKey: pub}, nil
}

// PublicKey returns the hex public key of the resolver identity.
func (r *Resolver) PublicKey() string { return r.publicKey }

// Resolve recovers the plaintext of an inbound event. Gift wraps are
// unwrapped first; direct-message kinds try NIP-44 then fall back to NIP-04;
// any other kind yields a degenerate SchemeUnknown result that is delivered
// downstream but never matches triggers or commands.
func (r *Resolver) Resolve(evt *nostr.Event) (*Decrypted, error) {
	switch evt.Kind {
	case KindGiftWrap:
		inner, err := r.unwrap(evt)
		if err != nil {
			return nil, err
		}
		switch inner.Kind {
		case KindChatMessage:
			// rumor content is already plaintext
			return &Decrypted{Source: evt, Plaintext: inner.Content, Scheme: SchemeGiftWrap, Sender: inner.PubKey}, nil
		case KindDirectMessage:
			text, _, err := r.decryptDM(inner.PubKey, inner.Content)
			if err != nil {
				return nil, err
			}
			return &Decrypted{Source: evt, Plaintext: text, Scheme: SchemeGiftWrap, Sender: inner.PubKey}, nil
		default:
			return &Decrypted{
				Source:    evt,
				Plaintext: fmt.Sprintf("[unhandled wrapped kind %d]", inner.Kind),
				Scheme:    SchemeUnknown,
				Sender:    inner.PubKey,
			}, nil
		}
	case KindDirectMessage:
		text, scheme, err := r.decryptDM(evt.PubKey, evt.Content)
		if err != nil {
			return nil, err
		}
		return &Decrypted{Source: evt, Plaintext: text, Scheme: scheme, Sender: evt.PubKey}, nil
	default:
		return &Decrypted{
			Source:    evt,
			Plaintext: fmt.Sprintf("[unhandled kind %d]", evt.Kind),
			Scheme:    SchemeUnknown,
			Sender:    evt.PubKey,
		}, nil
	}
}

// decryptDM tries the preferred scheme first, then the legacy one.
func (r *Resolver) decryptDM(senderPub, ciphertext string) (string, Scheme, error) {
	if ck, err := nip44.GenerateConversationKey(senderPub, r.secretKey); err == nil {
		if text, err := nip44.Decrypt(ciphertext, ck); err == nil {
			return text, SchemeNIP44, nil
		}
	}
	ss, err := nip04.ComputeSharedSecret(senderPub, r.secretKey)
	if err != nil {
		return "", SchemeUnknown, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	text, err := nip04.Decrypt(ciphertext, ss)
	if err != nil {
		return "", SchemeUnknown, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	logging.DebugMethod("envelope", "decryptDM", "fell back to legacy nip04 for sender %s", senderPub)
	return text, SchemeNIP04, nil
}

// unwrap peels a NIP-59 gift wrap down to its rumor: outer content is
// NIP-44 encrypted to us with the wrap's (ephemeral) key, the seal inside is
// signed by the true author, and the rumor must carry that same author.
func (r *Resolver) unwrap(evt *nostr.Event) (*nostr.Event, error) {
	wrapKey, err := nip44.GenerateConversationKey(evt.PubKey, r.secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap key: %v", ErrUnwrapFailed, err)
	}
	sealJSON, err := nip44.Decrypt(evt.Content, wrapKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap layer: %v", ErrUnwrapFailed, err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nil, fmt.Errorf("%w: seal parse: %v", ErrUnwrapFailed, err)
	}
	if seal.Kind != KindSeal {
		return nil, fmt.Errorf("%w: expected seal kind %d, got %d", ErrUnwrapFailed, KindSeal, seal.Kind)
	}
	sealKey, err := nip44.GenerateConversationKey(seal.PubKey, r.secretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: seal key: %v", ErrUnwrapFailed, err)
	}
	rumorJSON, err := nip44.Decrypt(seal.Content, sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: seal layer: %v", ErrUnwrapFailed, err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor parse: %v", ErrUnwrapFailed, err)
	}
	// the seal signer is the authenticated author; a mismatched rumor pubkey
	// would let a sender impersonate someone else downstream
	if rumor.PubKey != seal.PubKey {
		return nil, fmt.Errorf("%w: rumor author %s does not match seal author %s", ErrUnwrapFailed, rumor.PubKey, seal.PubKey)
	}
	return &rumor, nil
}

// BuildReply encrypts text for the sender of d under the same scheme the
// inbound message used and returns a signed event ready to publish,
// referencing the originating event id.
func (r *Resolver) BuildReply(d *Decrypted, text string) (*nostr.Event, error) {
	switch d.Scheme {
	case SchemeGiftWrap:
		return r.wrapReply(d.Sender, d.Source.ID, text)
	case SchemeNIP44:
		ck, err := nip44.GenerateConversationKey(d.Sender, r.secretKey)
		if err != nil {
			return nil, err
		}
		content, err := nip44.Encrypt(text, ck)
		if err != nil {
			return nil, err
		}
		return r.signedDM(d.Sender, d.Source.ID, content)
	case SchemeNIP04:
		ss, err := nip04.ComputeSharedSecret(d.Sender, r.secretKey)
		if err != nil {
			return nil, err
		}
		content, err := nip04.Encrypt(text, ss)
		if err != nil {
			return nil, err
		}
		return r.signedDM(d.Sender, d.Source.ID, content)
	}
	return nil, fmt.Errorf("envelope: cannot reply under scheme %s", d.Scheme)
}

func (r *Resolver) signedDM(recipient, refID, content string) (*nostr.Event, error) {
	evt := &nostr.Event{
		PubKey:    r.publicKey,
		CreatedAt: nostr.Now(),
		Kind:      KindDirectMessage,
		Tags:      nostr.Tags{{"p", recipient}, {"e", refID}},
		Content:   content,
	}
	if err := evt.Sign(r.secretKey); err != nil {
		return nil, err
	}
	return evt, nil
}

// wrapReply builds rumor -> seal -> wrap, signing the wrap with a fresh
// ephemeral key so the outer event does not link back to our identity.
func (r *Resolver) wrapReply(recipient, refID, text string) (*nostr.Event, error) {
	rumor := nostr.Event{
		PubKey:    r.publicKey,
		CreatedAt: nostr.Now(),
		Kind:      KindChatMessage,
		Tags:      nostr.Tags{{"p", recipient}, {"e", refID}},
		Content:   text,
	}
	rumor.ID = rumor.GetID()
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}

	sealKey, err := nip44.GenerateConversationKey(recipient, r.secretKey)
	if err != nil {
		return nil, err
	}
	sealContent, err := nip44.Encrypt(string(rumorJSON), sealKey)
	if err != nil {
		return nil, err
	}
	seal := nostr.Event{
		PubKey:    r.publicKey,
		CreatedAt: skewedNow(),
		Kind:      KindSeal,
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := seal.Sign(r.secretKey); err != nil {
		return nil, err
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	ephemeral := nostr.GeneratePrivateKey()
	ephemeralPub, err := nostr.GetPublicKey(ephemeral)
	if err != nil {
		return nil, err
	}
	wrapKey, err := nip44.GenerateConversationKey(recipient, ephemeral)
	if err != nil {
		return nil, err
	}
	wrapContent, err := nip44.Encrypt(string(sealJSON), wrapKey)
	if err != nil {
		return nil, err
	}
	wrap := &nostr.Event{
		PubKey:    ephemeralPub,
		CreatedAt: skewedNow(),
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   wrapContent,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, err
	}
	return wrap, nil
}

// skewedNow backdates a timestamp by up to two hours so seal and wrap
// creation times cannot be correlated (NIP-59 recommendation).
func skewedNow() nostr.Timestamp {
	skew := time.Duration(rand.Int63n(int64(2 * time.Hour)))
	return nostr.Timestamp(time.Now().Add(-skew).Unix())
}
