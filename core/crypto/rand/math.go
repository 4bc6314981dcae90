// math.go - math/rand replacement.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package rand provides various utilities related to generating
// cryptographically secure random numbers and byte vectors.
package rand

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/katzenpost/chacha20"
	hpqcrand "github.com/katzenpost/hpqc/rand"

	"github.com/mixlink/mixlink/core/utils"
)

const seedSize = chacha20.KeySize

// Reader is the system entropy source, whitened.
var Reader io.Reader = hpqcrand.Reader

var mNonce [chacha20.NonceSize]byte

type randSource struct {
	sync.Mutex
	s   *chacha20.Cipher
	off int
}

func (s *randSource) feedForward() {
	var seed [chacha20.KeySize]byte
	defer utils.ExplicitBzero(seed[:])
	s.s.KeyStream(seed[:])
	s.rekey(seed[:])
}

func (s *randSource) rekey(seed []byte) {
	if err := s.s.ReKey(seed, mNonce[:]); err != nil {
		panic("crypto/rand: chacha20 ReKey failed: " + err.Error())
	}
	s.off = 0
}

func (s *randSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	if s.off+8 > chacha20.BlockSize-seedSize {
		s.feedForward()
	}

	s.off += 8

	var tmp [8]byte
	s.s.KeyStream(tmp[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (s *randSource) Int63() int64 {
	ret := s.Uint64()
	return int64(ret & ((1 << 63) - 1))
}

// Seed ignores the provided value and reseeds from the entropy source.
func (s *randSource) Seed(int64) {
	var seed [chacha20.KeySize]byte
	defer utils.ExplicitBzero(seed[:])
	if _, err := io.ReadFull(Reader, seed[:]); err != nil {
		panic("crypto/rand: failed to read entropy: " + err.Error())
	}
	s.Lock()
	defer s.Unlock()
	s.rekey(seed[:])
}

// NewMath returns a "cryptographically secure" math/rand.Rand.  The
// returned Rand may be shared by concurrent callers of everything but
// Read, since its source serializes access.
func NewMath() *rand.Rand {
	s := &randSource{s: new(chacha20.Cipher)}
	s.Seed(0)
	return rand.New(s)
}

// NewDeterministicMath returns a math/rand.Rand whose output is entirely
// determined by seed.  It exists so that tests can reproduce a selection.
func NewDeterministicMath(seed *[seedSize]byte) *rand.Rand {
	s := &randSource{s: new(chacha20.Cipher)}
	s.rekey(seed[:])
	return rand.New(s)
}

// Exp returns a random sample from the exponential distribution characterized
// by lambda (inverse of the mean).
func Exp(r *rand.Rand, lambda float64) float64 {
	if lambda < math.SmallestNonzeroFloat64 {
		panic("crypto/rand: lambda out of range")
	}

	return r.ExpFloat64() / lambda
}

// ExpQuantile returns the value at which the the probability of a random value
// is less than or equal to the given probability for an exponential
// distribution characterized by lambda.
func ExpQuantile(lambda, p float64) float64 {
	if lambda < math.SmallestNonzeroFloat64 {
		panic("crypto/rand: lambda out of range")
	}
	if p < math.SmallestNonzeroFloat64 || p >= 1.0 {
		panic("crypto/rand: p out of range")
	}

	return -math.Log(1-p) / lambda
}
