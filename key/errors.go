/*
   Copyright (C) BABEC. All rights reserved.
   Copyright (C) THL A29 Limited, a Tencent company. All rights reserved.

   SPDX-License-Identifier: Apache-2.0
*/

package key

import "errors"

var (
	// ErrInvalidDerivationBranch is returned when a key is asked to derive
	// a path that does not descend from its own path.
	ErrInvalidDerivationBranch = errors.New("invalid derivation branch")

	// ErrHardenedFromPublic is returned when a public key is asked to
	// derive a hardened child.
	ErrHardenedFromPublic = errors.New("cannot derive hardened child from public key")

	// ErrInvalidExtendedKey is returned when a base58 extended key can't be
	// decoded or does not match the expected kind, network or path.
	ErrInvalidExtendedKey = errors.New("invalid extended key")

	// ErrRelativePath is returned when a key is paired with a path that is
	// not anchored at the master key.
	ErrRelativePath = errors.New("key paths must be absolute")
)
