// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package merkle implements the domain-separated Merkle tree used to commit
// to sequencer block data. Leaves are hashed with a 0x00 prefix and inner
// nodes with a 0x01 prefix, and trees are padded to the next power of two
// with the empty hash so that every audit path for a tree of size n has
// exactly ceil(log2(n)) segments.
package merkle

import (
	"crypto/sha256"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	leafPrefix  = []byte{0x00}
	innerPrefix = []byte{0x01}

	ErrEmptyTree        = errors.New("merkle: cannot prove inclusion in an empty tree")
	ErrIndexOutOfBounds = errors.New("merkle: leaf index out of bounds")
)

// EmptyRoot is the root of a tree with no leaves, and also the padding
// value for trees whose leaf count is not a power of two.
func EmptyRoot() common.Hash {
	return sha256.Sum256([]byte{})
}

// LeafHash hashes a single leaf with the leaf domain prefix.
func LeafHash(leaf []byte) common.Hash {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(leaf)
	return common.BytesToHash(h.Sum(nil))
}

// InnerHash combines two child hashes with the inner-node domain prefix.
func InnerHash(left, right common.Hash) common.Hash {
	h := sha256.New()
	h.Write(innerPrefix)
	h.Write(left[:])
	h.Write(right[:])
	return common.BytesToHash(h.Sum(nil))
}

// depth returns ceil(log2(n)), the number of levels above the leaves in a
// padded tree with n real leaves.
func depth(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// Root computes the root commitment over leaves. A nil or empty slice
// commits to EmptyRoot.
func Root(leaves [][]byte) common.Hash {
	hashes := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = LeafHash(leaf)
	}
	return RootFromHashes(hashes)
}

// RootFromHashes computes the root over leaves that have already been
// hashed with LeafHash.
func RootFromHashes(hashes []common.Hash) common.Hash {
	if len(hashes) == 0 {
		return EmptyRoot()
	}
	level := padLevel(hashes, depth(uint64(len(hashes))))
	for len(level) > 1 {
		level = foldLevel(level)
	}
	return level[0]
}

func padLevel(hashes []common.Hash, d int) []common.Hash {
	width := 1 << d
	level := make([]common.Hash, width)
	copy(level, hashes)
	pad := EmptyRoot()
	for i := len(hashes); i < width; i++ {
		level[i] = pad
	}
	return level
}

func foldLevel(level []common.Hash) []common.Hash {
	next := make([]common.Hash, len(level)/2)
	for i := range next {
		next[i] = InnerHash(level[2*i], level[2*i+1])
	}
	return next
}

// Proof is an audit path asserting that the leaf at LeafIndex of a tree
// with TreeSize leaves is committed to by some root. The path lists the
// sibling hash at every level from the leaves up, so its length is always
// ceil(log2(TreeSize)).
type Proof struct {
	AuditPath []common.Hash `json:"audit_path"`
	LeafIndex uint64        `json:"leaf_index"`
	TreeSize  uint64        `json:"tree_size"`
}

// Prove constructs the audit path for leaves[index].
func Prove(leaves [][]byte, index uint64) (Proof, error) {
	if len(leaves) == 0 {
		return Proof{}, ErrEmptyTree
	}
	if index >= uint64(len(leaves)) {
		return Proof{}, errors.Wrapf(ErrIndexOutOfBounds, "index %d, tree size %d", index, len(leaves))
	}
	hashes := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = LeafHash(leaf)
	}
	d := depth(uint64(len(leaves)))
	level := padLevel(hashes, d)
	path := make([]common.Hash, 0, d)
	pos := index
	for len(level) > 1 {
		path = append(path, level[pos^1])
		level = foldLevel(level)
		pos >>= 1
	}
	return Proof{AuditPath: path, LeafIndex: index, TreeSize: uint64(len(leaves))}, nil
}

// Verify reports whether the proof links leaf to root. The leaf is the raw
// (unhashed) leaf value.
func (p Proof) Verify(leaf []byte, root common.Hash) bool {
	return p.VerifyHashed(LeafHash(leaf), root)
}

// VerifyHashed is Verify for a leaf that has already been hashed with
// LeafHash. A proof whose audit path length disagrees with its claimed
// tree size is rejected outright.
func (p Proof) VerifyHashed(leafHash common.Hash, root common.Hash) bool {
	if p.TreeSize == 0 || p.LeafIndex >= p.TreeSize {
		return false
	}
	if len(p.AuditPath) != depth(p.TreeSize) {
		return false
	}
	acc := leafHash
	pos := p.LeafIndex
	for _, sibling := range p.AuditPath {
		if pos&1 == 0 {
			acc = InnerHash(acc, sibling)
		} else {
			acc = InnerHash(sibling, acc)
		}
		pos >>= 1
	}
	return acc == root
}
