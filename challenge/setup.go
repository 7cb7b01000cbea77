package challenge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/czh0526/walletcore/keycrypter"
	"github.com/czh0526/walletcore/record"
	"github.com/czh0526/walletcore/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Setup is what the remote party keeps to verify answers to a challenge.
// Secret backed types carry the salt of the challenge key and the wallet
// key encrypted with the secret; USER_KEY setups carry neither.
type Setup struct {
	Type                Type
	PublicKey           []byte
	Salt                fn.Option[[]byte]
	EncryptedPrivateKey fn.Option[string]
	Version             int
}

// Validate checks that the setup is consistent with its type.
func (s *Setup) Validate() error {
	fromSecret, err := s.Type.DerivesFromSecret()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSetup, err)
	}

	if _, err := btcec.ParsePubKey(s.PublicKey); err != nil {
		return fmt.Errorf("%w: bad public key: %v", ErrInvalidSetup, err)
	}

	if !fromSecret {
		if s.Salt.IsSome() || s.EncryptedPrivateKey.IsSome() {
			return fmt.Errorf("%w: %v setups carry no secret material",
				ErrInvalidSetup, s.Type)
		}
		return nil
	}

	salt := s.Salt.UnwrapOr(nil)
	if len(salt) != SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes", ErrInvalidSetup,
			SaltSize)
	}

	encrypted, err := s.EncryptedPrivateKey.UnwrapOrErr(
		fmt.Errorf("%w: missing encrypted private key", ErrInvalidSetup),
	)
	if err != nil {
		return err
	}
	if _, err := keycrypter.Path(encrypted); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSetup, err)
	}

	return nil
}

type setupJSON struct {
	Type                string  `json:"type"`
	PublicKey           string  `json:"publicKey"`
	Salt                *string `json:"salt,omitempty"`
	EncryptedPrivateKey *string `json:"encryptedPrivateKey,omitempty"`
	Version             int     `json:"version"`
}

// MarshalJSON encodes the type by name and the key material as hex. Absent
// salts and encrypted keys are omitted.
func (s Setup) MarshalJSON() ([]byte, error) {
	var salt *string
	s.Salt.WhenSome(func(b []byte) {
		encoded := hex.EncodeToString(b)
		salt = &encoded
	})

	var encrypted *string
	s.EncryptedPrivateKey.WhenSome(func(e string) {
		encrypted = &e
	})

	return json.Marshal(setupJSON{
		Type:                s.Type.String(),
		PublicKey:           hex.EncodeToString(s.PublicKey),
		Salt:                salt,
		EncryptedPrivateKey: encrypted,
		Version:             s.Version,
	})
}

// UnmarshalJSON decodes a setup written by MarshalJSON.
func (s *Setup) UnmarshalJSON(b []byte) error {
	var raw setupJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	t, err := ParseType(raw.Type)
	if err != nil {
		return err
	}

	pubKey, err := hex.DecodeString(raw.PublicKey)
	if err != nil {
		return fmt.Errorf("bad public key: %w", err)
	}

	salt := fn.None[[]byte]()
	if raw.Salt != nil {
		decoded, err := hex.DecodeString(*raw.Salt)
		if err != nil {
			return fmt.Errorf("bad salt: %w", err)
		}
		salt = fn.Some(decoded)
	}

	*s = Setup{
		Type:                t,
		PublicKey:           pubKey,
		Salt:                salt,
		EncryptedPrivateKey: fn.OptionFromPtr(raw.EncryptedPrivateKey),
		Version:             raw.Version,
	}

	return nil
}

const setupBucket = "challenge-setups"

// SetupStore keeps at most one setup per challenge type.
type SetupStore struct {
	store *record.Store[Setup]
}

// NewSetupStore opens the setup store of db.
func NewSetupStore(db walletdb.DB) (*SetupStore, error) {
	store, err := record.NewStore(
		db, setupBucket,
		record.Natural(func(s Setup) string { return s.Type.String() }),
		record.JSONCodec[Setup]{},
	)
	if err != nil {
		return nil, err
	}

	return &SetupStore{store: store}, nil
}

// Put validates setup and stores it, replacing any setup of the same type.
func (s *SetupStore) Put(setup *Setup) error {
	if err := setup.Validate(); err != nil {
		return err
	}

	_, err := s.store.Put(*setup)
	if err != nil {
		return err
	}

	log.Infof("Stored %v challenge setup v%d", setup.Type, setup.Version)

	return nil
}

// Get returns the setup of type t, if one is stored.
func (s *SetupStore) Get(t Type) (fn.Option[*Setup], error) {
	stored, err := s.store.Get(record.NaturalKey(t.String()))
	if err != nil {
		return fn.None[*Setup](), err
	}

	return fn.MapOption(func(setup Setup) *Setup {
		return &setup
	})(stored), nil
}

// Delete removes the setup of type t.
func (s *SetupStore) Delete(t Type) error {
	return s.store.Delete(record.NaturalKey(t.String()))
}

// All returns every stored setup.
func (s *SetupStore) All() ([]*Setup, error) {
	records, err := s.store.All()
	if err != nil {
		return nil, err
	}

	setups := make([]*Setup, 0, len(records))
	for _, rec := range records {
		setup := rec.Value
		setups = append(setups, &setup)
	}

	return setups, nil
}
