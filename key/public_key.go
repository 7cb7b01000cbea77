/*
   Copyright (C) BABEC. All rights reserved.
   Copyright (C) THL A29 Limited, a Tencent company. All rights reserved.

   SPDX-License-Identifier: Apache-2.0
*/

package key

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/czh0526/walletcore/hdpath"
	"github.com/czh0526/walletcore/netparams"
)

// PublicKey is an extended public key paired with the absolute path it
// lives at.
type PublicKey struct {
	key    *hdkeychain.ExtendedKey
	path   hdpath.Path
	params *netparams.Params
}

// DeserializePublicKey decodes a base58 extended public key and pairs it
// with the absolute path it was derived at.
func DeserializePublicKey(path string, base58Key string,
	params *netparams.Params) (*PublicKey, error) {

	extKey, absPath, err := decodeExtendedKey(path, base58Key, params)
	if err != nil {
		return nil, err
	}
	if extKey.IsPrivate() {
		return nil, fmt.Errorf("%w: expected a public key", ErrInvalidExtendedKey)
	}

	return &PublicKey{key: extKey, path: absPath, params: params}, nil
}

// Path returns the absolute path of the key.
func (k *PublicKey) Path() hdpath.Path {
	return k.path
}

// Params returns the network the key belongs to.
func (k *PublicKey) Params() *netparams.Params {
	return k.params
}

// Serialize returns the base58 encoding of the extended key.
func (k *PublicKey) Serialize() string {
	return k.key.String()
}

// ECPubKey returns the underlying secp256k1 public key.
func (k *PublicKey) ECPubKey() (*btcec.PublicKey, error) {
	return k.key.ECPubKey()
}

// Raw returns the compressed encoding of the public key.
func (k *PublicKey) Raw() []byte {
	pubKey, err := k.key.ECPubKey()
	if err != nil {
		panic(fmt.Sprintf("public key holds invalid point: %v", err))
	}
	return pubKey.SerializeCompressed()
}

// Fingerprint returns the first four bytes of the key's hash160, which is
// what children record as their parent fingerprint.
func (k *PublicKey) Fingerprint() []byte {
	return btcutil.Hash160(k.Raw())[:4]
}

// DeriveTo derives the key at path. Public keys can only derive
// non-hardened descendants.
func (k *PublicKey) DeriveTo(path hdpath.Path) (*PublicKey, error) {
	children, err := path.IndexesFrom(k.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDerivationBranch, err)
	}

	extKey := k.key
	for _, child := range children {
		if child.Hardened {
			return nil, fmt.Errorf("%w: %s", ErrHardenedFromPublic, child)
		}

		extKey, err = extKey.Derive(child.KeyIndex())
		if err != nil {
			return nil, fmt.Errorf("unable to derive %s: %w", child, err)
		}
	}

	return &PublicKey{key: extKey, path: path, params: k.params}, nil
}

// DeriveToString parses path and derives the key at it.
func (k *PublicKey) DeriveToString(path string) (*PublicKey, error) {
	target, err := hdpath.Parse(path)
	if err != nil {
		return nil, err
	}
	return k.DeriveTo(target)
}

// DeriveChild derives the non-hardened child at index.
func (k *PublicKey) DeriveChild(index uint32) (*PublicKey, error) {
	return k.DeriveTo(k.path.Child(index, false))
}

// Verify checks a DER signature over the sha256 digest of data.
func (k *PublicKey) Verify(data, signature []byte) bool {
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	pubKey, err := k.key.ECPubKey()
	if err != nil {
		return false
	}

	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], pubKey)
}

// Equal reports whether both keys hold the same material at the same path.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.path.Equal(other.path) && k.Serialize() == other.Serialize()
}

// DetectNetwork returns the network a base58 extended key was encoded for.
func DetectNetwork(base58Key string) (*netparams.Params, error) {
	decoded := base58.Decode(base58Key)
	if len(decoded) < 4 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidExtendedKey)
	}
	return netparams.ForHDKeyID(decoded[:4])
}

func decodeExtendedKey(path string, base58Key string,
	params *netparams.Params) (*hdkeychain.ExtendedKey, hdpath.Path, error) {

	absPath, err := hdpath.Parse(path)
	if err != nil {
		return nil, hdpath.Path{}, err
	}
	if !absPath.IsAbsolute() {
		return nil, hdpath.Path{}, fmt.Errorf("%w: %s", ErrRelativePath, path)
	}

	extKey, err := hdkeychain.NewKeyFromString(base58Key)
	if err != nil {
		return nil, hdpath.Path{}, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	if !extKey.IsForNet(params.Params) {
		return nil, hdpath.Path{}, fmt.Errorf("%w: not a %v key",
			ErrInvalidExtendedKey, params.Network)
	}
	if int(extKey.Depth()) != absPath.Depth() {
		return nil, hdpath.Path{}, fmt.Errorf("%w: key depth %d does not "+
			"match path %s", ErrInvalidExtendedKey, extKey.Depth(),
			absPath.Canonical())
	}

	return extKey, absPath, nil
}
