/*
   Copyright (C) BABEC. All rights reserved.
   Copyright (C) THL A29 Limited, a Tencent company. All rights reserved.

   SPDX-License-Identifier: Apache-2.0
*/

package key

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/czh0526/walletcore/hdpath"
	"github.com/czh0526/walletcore/netparams"
)

// CompactSize is the length of a compact serialization: the 32 byte private
// key followed by the 32 byte chain code.
const CompactSize = 64

// PrivateKey is an extended private key paired with the absolute path it
// lives at. Values are immutable: every derivation returns a new key.
type PrivateKey struct {
	key    *hdkeychain.ExtendedKey
	path   hdpath.Path
	params *netparams.Params
}

// GenerateSeed returns a random seed of the recommended length.
func GenerateSeed() ([]byte, error) {
	return hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
}

// NewMasterPrivateKey creates the root of a key tree from a seed.
func NewMasterPrivateKey(seed []byte, params *netparams.Params) (*PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, params.Params)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}

	return &PrivateKey{
		key:    master,
		path:   hdpath.Master(),
		params: params,
	}, nil
}

// NewRandomMasterPrivateKey creates the root of a key tree from a fresh
// random seed.
func NewRandomMasterPrivateKey(params *netparams.Params) (*PrivateKey, error) {
	seed, err := GenerateSeed()
	if err != nil {
		return nil, err
	}
	return NewMasterPrivateKey(seed, params)
}

// DeserializePrivateKey decodes a base58 extended private key and pairs it
// with the absolute path it was derived at.
func DeserializePrivateKey(path string, base58Key string,
	params *netparams.Params) (*PrivateKey, error) {

	extKey, absPath, err := decodeExtendedKey(path, base58Key, params)
	if err != nil {
		return nil, err
	}
	if !extKey.IsPrivate() {
		return nil, fmt.Errorf("%w: expected a private key", ErrInvalidExtendedKey)
	}

	return &PrivateKey{key: extKey, path: absPath, params: params}, nil
}

// Path returns the absolute path of the key.
func (k *PrivateKey) Path() hdpath.Path {
	return k.path
}

// Params returns the network the key belongs to.
func (k *PrivateKey) Params() *netparams.Params {
	return k.params
}

// Serialize returns the base58 encoding of the extended key. The encoding
// does not carry the path.
func (k *PrivateKey) Serialize() string {
	return k.key.String()
}

// PublicKey returns the public half of the key, at the same path.
func (k *PrivateKey) PublicKey() *PublicKey {
	pub, err := k.key.Neuter()
	if err != nil {
		// Neuter only fails for unknown networks, which the key could
		// not have been created with.
		panic(fmt.Sprintf("unable to neuter key: %v", err))
	}

	return &PublicKey{key: pub, path: k.path, params: k.params}
}

// ECPrivKey returns the underlying secp256k1 private key.
func (k *PrivateKey) ECPrivKey() (*btcec.PrivateKey, error) {
	return k.key.ECPrivKey()
}

// DeriveTo derives the key at path, which must descend from the key's own
// path. Deriving the key's own path returns the key itself.
func (k *PrivateKey) DeriveTo(path hdpath.Path) (*PrivateKey, error) {
	return k.deriveTo(path, (*hdkeychain.ExtendedKey).Derive)
}

// DeriveToString parses path and derives the key at it.
func (k *PrivateKey) DeriveToString(path string) (*PrivateKey, error) {
	target, err := hdpath.Parse(path)
	if err != nil {
		return nil, err
	}
	return k.DeriveTo(target)
}

// DeriveRelative derives a descendant given a path relative to the key,
// e.g. "1/2'".
func (k *PrivateKey) DeriveRelative(relative string) (*PrivateKey, error) {
	target, err := k.path.Join(relative)
	if err != nil {
		return nil, err
	}
	return k.DeriveTo(target)
}

// DeriveToLegacy derives the key at path reproducing the historical
// hardened derivation, which dropped leading zero bytes of the parent
// private key. Only needed to recover keys created that way.
func (k *PrivateKey) DeriveToLegacy(path hdpath.Path) (*PrivateKey, error) {
	return k.deriveTo(path, (*hdkeychain.ExtendedKey).DeriveNonStandard)
}

type deriveFunc func(*hdkeychain.ExtendedKey, uint32) (*hdkeychain.ExtendedKey, error)

func (k *PrivateKey) deriveTo(path hdpath.Path, derive deriveFunc) (*PrivateKey, error) {
	children, err := path.IndexesFrom(k.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDerivationBranch, err)
	}

	extKey := k.key
	for _, child := range children {
		extKey, err = derive(extKey, child.KeyIndex())
		if err != nil {
			return nil, fmt.Errorf("unable to derive %s: %w", child, err)
		}
	}

	return &PrivateKey{key: extKey, path: path, params: k.params}, nil
}

// DeriveChild derives the non-hardened child at index.
func (k *PrivateKey) DeriveChild(index uint32) (*PrivateKey, error) {
	return k.DeriveTo(k.path.Child(index, false))
}

// DeriveHardenedChild derives the hardened child at index.
func (k *PrivateKey) DeriveHardenedChild(index uint32) (*PrivateKey, error) {
	return k.DeriveTo(k.path.Child(index, true))
}

// DeriveNextValidChild derives the first valid non-hardened child at index
// or above. A child is invalid with negligible probability, in which case
// BIP32 asks to proceed with the next index.
func (k *PrivateKey) DeriveNextValidChild(index uint32) (*PrivateKey, error) {
	for ; index <= hdpath.MaxIndex; index++ {
		child, err := k.DeriveChild(index)
		if errors.Is(err, hdkeychain.ErrInvalidChild) {
			log.Debugf("Skipping invalid child %d of %s", index,
				k.path.Canonical())
			continue
		}
		return child, err
	}

	return nil, hdkeychain.ErrInvalidChild
}

// CompactSerialize returns the private key bytes followed by the chain
// code.
func (k *PrivateKey) CompactSerialize() ([]byte, error) {
	privKey, err := k.key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	compact := make([]byte, 0, CompactSize)
	compact = append(compact, privKey.Serialize()...)
	compact = append(compact, k.key.ChainCode()...)

	return compact, nil
}

// AsRootPrivateKey returns the same key material re-anchored as the master
// key of a new tree.
func (k *PrivateKey) AsRootPrivateKey() (*PrivateKey, error) {
	privKey, err := k.key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	root := hdkeychain.NewExtendedKey(
		k.params.HDPrivateKeyID[:], privKey.Serialize(),
		k.key.ChainCode(), []byte{0, 0, 0, 0}, 0, 0, true,
	)

	return &PrivateKey{key: root, path: hdpath.Master(), params: k.params}, nil
}

// Sign signs the sha256 digest of data and returns the DER signature.
func (k *PrivateKey) Sign(data []byte) ([]byte, error) {
	privKey, err := k.key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	return ecdsa.Sign(privKey, digest[:]).Serialize(), nil
}

// Equal reports whether both keys hold the same material at the same path.
func (k *PrivateKey) Equal(other *PrivateKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.path.Equal(other.path) && k.Serialize() == other.Serialize()
}
